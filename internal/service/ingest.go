// ingest.go — потоковая запись тела загрузки в файл (StreamIngester).
//
// Один Ingest — одна попытка: байты пишутся строго в порядке поступления,
// после каждого чанка публикуется InProgress(total). Исход попытки:
//   - total == declared_size и поток закончился → Complete;
//   - поток оборвался или байт меньше заявленного → Broken(total);
//   - чанк переходит границу declared_size → чанк не пишется, Broken(total);
//   - ошибка записи/flush/fsync → Failed.
//
// Частичный файл никогда не удаляется здесь: он нужен для докачки.
package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
	"github.com/bigkaa/goartstore/upload-service/internal/observability"
	"github.com/bigkaa/goartstore/upload-service/internal/registry"
	"github.com/bigkaa/goartstore/upload-service/internal/storage/filestore"
)

// readChunkSize — размер буфера чтения тела запроса.
const readChunkSize = 64 * 1024

// Prometheus метрики приёма
var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "up_uploads_total",
		Help: "Количество завершённых попыток загрузки по исходу",
	}, []string{"result"})

	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "up_upload_bytes_total",
		Help: "Количество принятых и записанных байт",
	})

	uploadsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "up_uploads_active",
		Help: "Количество выполняющихся попыток загрузки",
	})

	ingestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "up_ingest_duration_seconds",
		Help:    "Длительность одной попытки загрузки в секундах",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})
)

// Ingester — потоковый приёмник тела загрузки.
type Ingester struct {
	store      *filestore.FileStore
	bufferSize int
	readPool   sync.Pool
	writerPool sync.Pool
	logger     *slog.Logger

	activeMu sync.Mutex
	active   int
	idle     chan struct{} // закрывается, когда active падает до нуля
}

// NewIngester создаёт приёмник. bufferSize — размер буфера записи в файл.
func NewIngester(store *filestore.FileStore, bufferSize int, logger *slog.Logger) *Ingester {
	if bufferSize <= 0 {
		bufferSize = units.MiB
	}
	ing := &Ingester{
		store:      store,
		bufferSize: bufferSize,
		logger:     logger.With(slog.String("component", "ingester")),
	}
	ing.readPool.New = func() any {
		buf := make([]byte, readChunkSize)
		return &buf
	}
	ing.writerPool.New = func() any {
		return bufio.NewWriterSize(nil, bufferSize)
	}
	return ing
}

// Wait ждёт, пока не завершатся все выполняющиеся попытки приёма
// (включая запись их финального состояния в журнал), или отмены ctx.
func (ing *Ingester) Wait(ctx context.Context) error {
	ing.activeMu.Lock()
	if ing.active == 0 {
		ing.activeMu.Unlock()
		return nil
	}
	idle := ing.idle
	n := ing.active
	ing.activeMu.Unlock()

	ing.logger.Info("Ожидание завершения активных загрузок", slog.Int("active", n))
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ing *Ingester) begin() {
	ing.activeMu.Lock()
	defer ing.activeMu.Unlock()
	if ing.active == 0 {
		ing.idle = make(chan struct{})
	}
	ing.active++
}

func (ing *Ingester) end() {
	ing.activeMu.Lock()
	defer ing.activeMu.Unlock()
	ing.active--
	if ing.active == 0 {
		close(ing.idle)
	}
}

// Ingest открывает файл данных с позиции start (start == 0 — новый файл)
// и принимает в него body. Ошибка открытия переводит запись в Failed.
func (ing *Ingester) Ingest(ctx context.Context, h *registry.Handle, body io.Reader, start int64) error {
	ing.begin()
	defer ing.end()

	var (
		f   *os.File
		err error
	)
	if start == 0 {
		f, err = ing.store.Create(h.ID())
	} else {
		f, err = ing.store.OpenAt(h.ID(), start)
	}
	if err != nil {
		ing.fail(context.WithoutCancel(ctx), h, start)
		return withID(ioError(err, "не удалось открыть файл данных"), h.ID())
	}

	return ing.Stream(ctx, h, f, body, start)
}

// Stream принимает body в уже открытый и спозиционированный файл f.
// Счётчик байт начинается со start. Файл закрывается в любом исходе.
func (ing *Ingester) Stream(ctx context.Context, h *registry.Handle, f *os.File, body io.Reader, start int64) error {
	ing.begin()
	defer ing.end()

	rec := h.Record()
	declared := rec.DeclaredSize

	// Переходы публикуются даже после обрыва запроса
	stateCtx := context.WithoutCancel(ctx)

	ctx, span := observability.StartSpan(ctx, "upload.ingest",
		attribute.String("upload.id", rec.ID),
		attribute.Int64("upload.start", start),
		attribute.Int64("upload.declared_size", declared),
	)
	defer span.End()

	uploadsActive.Inc()
	defer uploadsActive.Dec()
	began := time.Now()
	defer func() { ingestDuration.Observe(time.Since(began).Seconds()) }()

	if err := h.SetState(stateCtx, model.InProgress(start)); err != nil {
		f.Close()
		return withID(taskFailure(err, "недопустимое состояние для приёма"), rec.ID)
	}

	bufp := ing.readPool.Get().(*[]byte)
	defer ing.readPool.Put(bufp)
	buf := *bufp

	bw := ing.writerPool.Get().(*bufio.Writer)
	bw.Reset(f)
	defer func() {
		bw.Reset(nil)
		ing.writerPool.Put(bw)
	}()

	total := start
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ing.interrupt(stateCtx, h, f, bw, total, span, ctxErr)
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if total+int64(n) > declared {
				return ing.overDelivered(stateCtx, h, f, bw, total, int64(n), span)
			}
			if _, err := bw.Write(buf[:n]); err != nil {
				f.Close()
				ing.fail(stateCtx, h, total)
				span.SetStatus(codes.Error, "write")
				return withID(ioError(err, "ошибка записи в файл данных"), rec.ID)
			}
			total += int64(n)
			uploadBytesTotal.Add(float64(n))
			if err := h.SetState(stateCtx, model.InProgress(total)); err != nil {
				f.Close()
				return withID(taskFailure(err, "ошибка публикации прогресса"), rec.ID)
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return ing.interrupt(stateCtx, h, f, bw, total, span, readErr)
		}
	}

	if err := ing.finish(f, bw); err != nil {
		ing.fail(stateCtx, h, total)
		span.SetStatus(codes.Error, "flush")
		return withID(ioError(err, "ошибка сохранения файла данных"), rec.ID)
	}

	span.SetAttributes(attribute.Int64("upload.received", total))

	if total != declared {
		ing.broken(stateCtx, h, total, "поток завершён раньше заявленного размера")
		span.SetStatus(codes.Error, "under-delivery")
		return withID(fieldMismatch(FieldContentLength,
			"получено %d байт из %d заявленных", total, declared), rec.ID)
	}

	if err := h.SetState(stateCtx, model.Complete()); err != nil {
		return withID(taskFailure(err, "ошибка перехода в Complete"), rec.ID)
	}
	uploadsTotal.WithLabelValues("complete").Inc()

	ing.logger.Info("Загрузка завершена",
		slog.String("upload_id", rec.ID),
		slog.Int64("offset", total),
		slog.Int64("declared_size", declared),
		slog.String("size", units.HumanSize(float64(total))),
		slog.Duration("duration", time.Since(began)),
	)
	return nil
}

// interrupt обрабатывает обрыв потока: сохраняет принятое и переводит в Broken.
func (ing *Ingester) interrupt(
	ctx context.Context, h *registry.Handle, f *os.File, bw *bufio.Writer,
	total int64, span trace.Span, cause error,
) error {
	if err := ing.finish(f, bw); err != nil {
		ing.fail(ctx, h, total)
		span.SetStatus(codes.Error, "flush")
		return withID(ioError(err, "ошибка сохранения файла данных после обрыва"), h.ID())
	}
	ing.broken(ctx, h, total, "поток прерван")
	span.SetStatus(codes.Error, "interrupted")
	return withID(taskFailure(cause, "поток прерван после %d байт", total), h.ID())
}

// overDelivered обрабатывает чанк, переходящий границу declared_size.
func (ing *Ingester) overDelivered(
	ctx context.Context, h *registry.Handle, f *os.File, bw *bufio.Writer,
	total, chunk int64, span trace.Span,
) error {
	if err := ing.finish(f, bw); err != nil {
		ing.fail(ctx, h, total)
		span.SetStatus(codes.Error, "flush")
		return withID(ioError(err, "ошибка сохранения файла данных"), h.ID())
	}
	ing.broken(ctx, h, total, "получено больше заявленного размера")
	span.SetStatus(codes.Error, "over-delivery")
	declared := h.Record().DeclaredSize
	return withID(fieldMismatch(FieldContentLength,
		"поток превышает заявленный размер %d: принято %d, следующий чанк %d байт",
		declared, total, chunk), h.ID())
}

// finish сбрасывает буфер, делает fsync и закрывает файл.
func (ing *Ingester) finish(f *os.File, bw *bufio.Writer) error {
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (ing *Ingester) broken(ctx context.Context, h *registry.Handle, total int64, why string) {
	if err := h.SetState(ctx, model.Broken(total)); err != nil {
		ing.logger.Error("Ошибка перехода в Broken",
			slog.String("upload_id", h.ID()),
			slog.String("error", err.Error()),
		)
		return
	}
	uploadsTotal.WithLabelValues("broken").Inc()
	ing.logger.Warn("Загрузка прервана",
		slog.String("upload_id", h.ID()),
		slog.Int64("offset", total),
		slog.Int64("declared_size", h.Record().DeclaredSize),
		slog.String("reason", why),
	)
}

func (ing *Ingester) fail(ctx context.Context, h *registry.Handle, total int64) {
	if err := h.SetState(ctx, model.Failed()); err != nil {
		ing.logger.Error("Ошибка перехода в Failed",
			slog.String("upload_id", h.ID()),
			slog.String("error", err.Error()),
		)
		return
	}
	uploadsTotal.WithLabelValues("failed").Inc()
	ing.logger.Error("Загрузка завершилась ошибкой хранилища",
		slog.String("upload_id", h.ID()),
		slog.Int64("offset", total),
		slog.Int64("declared_size", h.Record().DeclaredSize),
	)
}
