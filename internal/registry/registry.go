// Пакет registry — конкурентный реестр загрузок (JobRegistry).
//
// Записи разложены по шардам (FNV-хэш id), глобальной блокировки нет.
// На каждую запись приходится:
//   - эксклюзивная секция (sync.Mutex, захват через TryLock — второй
//     мутатор получает ErrJobBusy, а не ждёт в очереди);
//   - атомарный указатель на неизменяемый снимок записи — чтение статуса
//     никогда не ждёт пишущего.
//
// Переходы состояний проверяются пакетом lifecycle. Все переходы, кроме
// InProgress → InProgress, передаются в журнал (если он задан).
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
)

const shardCount = 32

var (
	// ErrJobNotFound — запись с таким id отсутствует.
	ErrJobNotFound = errors.New("загрузка не найдена")
	// ErrJobBusy — эксклюзивная секция записи занята другим запросом.
	ErrJobBusy = errors.New("загрузка уже обрабатывается другим запросом")
	// ErrJobExists — запись с таким id уже создана.
	ErrJobExists = errors.New("загрузка с таким id уже существует")
	// ErrReleased — операция над уже освобождённым Handle.
	ErrReleased = errors.New("handle уже освобождён")
)

// recordsGauge — количество записей в реестре по состояниям.
var recordsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "up_registry_records",
	Help: "Количество записей загрузок в реестре по состояниям",
}, []string{"state"})

// Journal — приёмник переходов состояний (кроме прогресса).
// Реализуется пакетом journal; nil означает работу только в памяти.
type Journal interface {
	Save(ctx context.Context, rec *model.UploadRecord) error
	Delete(ctx context.Context, id string) error
}

type entry struct {
	mu      sync.Mutex // эксклюзивная секция мутатора
	snap    atomic.Pointer[model.UploadRecord]
	evicted bool // защищён mu
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Registry — реестр загрузок.
type Registry struct {
	shards  [shardCount]*shard
	journal Journal
	logger  *slog.Logger
	now     func() time.Time
}

// New создаёт пустой реестр. journal может быть nil.
func New(journal Journal, logger *slog.Logger) *Registry {
	r := &Registry{
		journal: journal,
		logger:  logger.With(slog.String("component", "registry")),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Create вставляет новую запись, если id свободен, и возвращает
// эксклюзивный Handle на неё. Если id занят — ErrJobExists.
func (r *Registry) Create(ctx context.Context, rec model.UploadRecord) (*Handle, error) {
	now := r.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.State.Kind == "" {
		rec.State = model.UnInit()
	}

	e := &entry{}
	e.mu.Lock()
	e.snap.Store(&rec)

	s := r.shardFor(rec.ID)
	s.mu.Lock()
	if _, ok := s.entries[rec.ID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobExists, rec.ID)
	}
	s.entries[rec.ID] = e
	s.mu.Unlock()

	recordsGauge.WithLabelValues(string(rec.State.Kind)).Inc()
	r.persist(ctx, &rec)

	r.logger.Debug("Запись загрузки создана",
		slog.String("upload_id", rec.ID),
		slog.Int64("declared_size", rec.DeclaredSize),
	)

	return &Handle{reg: r, e: e, id: rec.ID}, nil
}

// Acquire захватывает эксклюзивный Handle существующей записи.
// Не блокируется: занятая запись даёт ErrJobBusy.
func (r *Registry) Acquire(id string) (*Handle, error) {
	s := r.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if !e.mu.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrJobBusy, id)
	}
	// Запись могла быть вытеснена GC между поиском и захватом
	if e.evicted {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	return &Handle{reg: r, e: e, id: id}, nil
}

// Snapshot возвращает копию текущего состояния записи без ожидания мутатора.
func (r *Registry) Snapshot(id string) (model.UploadRecord, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return model.UploadRecord{}, false
	}
	return *e.snap.Load(), true
}

// List возвращает снимки всех записей, отсортированные по времени создания.
func (r *Registry) List() []model.UploadRecord {
	var result []model.UploadRecord
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			result = append(result, *e.snap.Load())
		}
		s.mu.RUnlock()
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Count возвращает общее количество записей.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// CountByState возвращает количество записей в каждом состоянии.
func (r *Registry) CountByState() map[model.StateKind]int {
	counts := make(map[model.StateKind]int, len(model.AllStateKinds))
	for _, kind := range model.AllStateKinds {
		counts[kind] = 0
	}
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			counts[e.snap.Load().State.Kind]++
		}
		s.mu.RUnlock()
	}
	return counts
}

// EvictIf удаляет запись, если она не занята мутатором и evict возвращает true.
// Возвращает снимок удалённой записи и true при удалении.
func (r *Registry) EvictIf(ctx context.Context, id string, evict func(model.UploadRecord) bool) (model.UploadRecord, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return model.UploadRecord{}, false
	}

	if !e.mu.TryLock() {
		return model.UploadRecord{}, false
	}
	defer e.mu.Unlock()

	rec := *e.snap.Load()
	if e.evicted || !evict(rec) {
		return model.UploadRecord{}, false
	}

	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	e.evicted = true

	recordsGauge.WithLabelValues(string(rec.State.Kind)).Dec()

	if r.journal != nil {
		r.forget(ctx, rec)
	}

	return rec, true
}

// forget убирает вытесненную запись из журнала. Файл Complete остаётся
// на диске, поэтому вместо удаления сохраняется надгробие с EvictedAt.
func (r *Registry) forget(ctx context.Context, rec model.UploadRecord) {
	var err error
	if rec.State.Kind == model.StateComplete {
		evictedAt := r.now()
		rec.EvictedAt = &evictedAt
		err = r.journal.Save(ctx, &rec)
	} else {
		err = r.journal.Delete(ctx, rec.ID)
	}
	if err != nil {
		r.logger.Warn("Ошибка удаления записи из журнала",
			slog.String("upload_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Restore загружает записи (из журнала после сверки) без проверки переходов
// и без повторной записи в журнал. Уже существующие id пропускаются.
// Возвращает количество добавленных записей.
func (r *Registry) Restore(records []model.UploadRecord) int {
	added := 0
	for i := range records {
		rec := records[i]
		e := &entry{}
		e.snap.Store(&rec)

		s := r.shardFor(rec.ID)
		s.mu.Lock()
		if _, ok := s.entries[rec.ID]; ok {
			s.mu.Unlock()
			continue
		}
		s.entries[rec.ID] = e
		s.mu.Unlock()

		recordsGauge.WithLabelValues(string(rec.State.Kind)).Inc()
		added++
	}

	if added > 0 {
		r.logger.Info("Записи восстановлены из журнала", slog.Int("records", added))
	}
	return added
}

// persist передаёт запись в журнал. Ошибка журнала не прерывает загрузку:
// состояние в памяти остаётся источником истины.
func (r *Registry) persist(ctx context.Context, rec *model.UploadRecord) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Save(ctx, rec); err != nil {
		r.logger.Warn("Ошибка записи в журнал",
			slog.String("upload_id", rec.ID),
			slog.String("state", rec.State.String()),
			slog.String("error", err.Error()),
		)
	}
}
