package uploadclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/upload-service/internal/admission"
	"github.com/bigkaa/goartstore/upload-service/internal/api/handlers"
	"github.com/bigkaa/goartstore/upload-service/internal/config"
	"github.com/bigkaa/goartstore/upload-service/internal/registry"
	"github.com/bigkaa/goartstore/upload-service/internal/service"
	"github.com/bigkaa/goartstore/upload-service/internal/storage/filestore"
)

var errCut = errors.New("соединение оборвано")

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errCut }

type staticAdmitter struct{ decision admission.Decision }

func (a staticAdmitter) Evaluate(context.Context, int64) admission.Decision { return a.decision }

// cutter обрывает тело первых cuts запросов с телом после limit байт.
type cutter struct {
	cuts  int32
	limit int64
	seen  atomic.Int32
}

func (c *cutter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/v1/uploads" ||
			r.Method == http.MethodPatch {
			if c.seen.Add(1) <= c.cuts {
				r.Body = io.NopCloser(io.MultiReader(io.LimitReader(r.Body, c.limit), errReader{}))
			}
		}
		next.ServeHTTP(w, r)
	})
}

type testService struct {
	url   string
	store *filestore.FileStore
}

func newTestService(t *testing.T, decision admission.Decision, cut *cutter) *testService {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	reg := registry.New(nil, logger)
	ingester := service.NewIngester(store, 4096, logger)
	status := service.NewStatusReporter(reg, 16, time.Hour)
	svc := service.NewUploadService(reg, staticAdmitter{decision}, store, ingester, status, 0, logger)

	api := handlers.NewAPIHandler(
		handlers.NewUploadsHandler(svc, logger),
		handlers.NewSystemHandler(&config.Config{}, reg, admission.Config{}),
		handlers.NewHealthHandler(store, nil),
		nil,
	)
	router := chi.NewRouter()
	if cut != nil {
		router.Use(cut.wrap)
	}
	api.Register(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testService{url: srv.URL, store: store}
}

func newTestClient(url string, maxResumes int) *Client {
	return New(url, Options{
		RetryMax:     1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
		MaxResumes:   maxResumes,
		ResumeWait:   5 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func writeTestFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path, data
}

func (ts *testService) assertStored(t *testing.T, id string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(ts.store.Path(id))
	if err != nil {
		t.Fatalf("чтение файла данных: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("файл данных отличается: %d байт вместо %d", len(got), len(want))
	}
}

func TestUpload_Uninterrupted(t *testing.T) {
	ts := newTestService(t, admission.Approve(), nil)
	path, data := writeTestFile(t, 300_000)

	res, err := newTestClient(ts.url, 3).Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Resumes != 0 || res.Size != int64(len(data)) || res.ID == "" {
		t.Errorf("неожиданный результат: %+v", res)
	}
	ts.assertStored(t, res.ID, data)
}

func TestUpload_ResumesAfterCut(t *testing.T) {
	cut := &cutter{cuts: 2, limit: 70_000}
	ts := newTestService(t, admission.Approve(), cut)
	path, data := writeTestFile(t, 300_000)

	c := newTestClient(ts.url, 3)
	res, err := c.Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Resumes != 2 {
		t.Errorf("Resumes: хотели 2, получили %d", res.Resumes)
	}
	ts.assertStored(t, res.ID, data)

	st, err := c.Status(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateComplete {
		t.Errorf("состояние: хотели Complete, получили %s", st.State)
	}
}

func TestUpload_AttemptsExhausted(t *testing.T) {
	cut := &cutter{cuts: 100, limit: 10_000}
	ts := newTestService(t, admission.Approve(), cut)
	path, _ := writeTestFile(t, 100_000)

	res, err := newTestClient(ts.url, 2).Upload(context.Background(), path)
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("ожидалась ErrAttemptsExhausted, получили %v", err)
	}
	if res.Resumes != 2 {
		t.Errorf("Resumes: хотели 2, получили %d", res.Resumes)
	}
}

func TestUpload_BrokenAtZero(t *testing.T) {
	cut := &cutter{cuts: 1, limit: 0}
	ts := newTestService(t, admission.Approve(), cut)
	path, _ := writeTestFile(t, 50_000)

	_, err := newTestClient(ts.url, 3).Upload(context.Background(), path)
	if !errors.Is(err, ErrNotResumable) {
		t.Errorf("ожидалась ErrNotResumable, получили %v", err)
	}
}

func TestUpload_Denied(t *testing.T) {
	ts := newTestService(t, admission.Deny(admission.ReasonInsufficientDisk, "мало места"), nil)
	path, _ := writeTestFile(t, 1000)

	_, err := newTestClient(ts.url, 3).Upload(context.Background(), path)
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("ожидалась ErrDenied, получили %v", err)
	}
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Reason != "insufficient_disk" {
		t.Errorf("ожидалась причина insufficient_disk, получили %v", err)
	}
}

func TestUpload_EmptyFile(t *testing.T) {
	ts := newTestService(t, admission.Approve(), nil)
	path, data := writeTestFile(t, 0)

	res, err := newTestClient(ts.url, 3).Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	ts.assertStored(t, res.ID, data)
}

func TestStatus_Unknown(t *testing.T) {
	ts := newTestService(t, admission.Approve(), nil)

	st, err := newTestClient(ts.url, 3).Status(context.Background(), "0b7f2c1e-4a5d-4e8f-9b1a-2c3d4e5f6a7b")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateUnInit || st.Offset != nil {
		t.Errorf("неизвестный id: хотели UnInit, получили %+v", st)
	}
}

func TestDecodeError(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusNotFound)
	_, _ = rec.WriteString(`{"error":{"code":"JOB_NOT_FOUND","message":"нет","field":"id"}}`)

	err := decodeError(rec.Result())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("ожидалась *APIError, получили %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "JOB_NOT_FOUND" || apiErr.Field != "id" {
		t.Errorf("неожиданная ошибка: %+v", apiErr)
	}
	if resumable(err) {
		t.Error("JOB_NOT_FOUND не должна вести к докачке")
	}

	rec = httptest.NewRecorder()
	rec.WriteHeader(http.StatusBadGateway)
	_, _ = rec.WriteString("bad gateway")
	if err := decodeError(rec.Result()); !resumable(err) {
		t.Errorf("502 должна вести к докачке: %v", err)
	}
}
