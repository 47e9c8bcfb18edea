package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/bigkaa/goartstore/upload-service/internal/admission"
	"github.com/bigkaa/goartstore/upload-service/internal/registry"
	"github.com/bigkaa/goartstore/upload-service/internal/storage/filestore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAdmitter — контроль допуска с фиксированным решением.
type fakeAdmitter struct {
	decision admission.Decision
	calls    int
}

func (a *fakeAdmitter) Evaluate(context.Context, int64) admission.Decision {
	a.calls++
	return a.decision
}

// testEnv — собранный сервисный слой поверх временной директории.
type testEnv struct {
	dir      string
	store    *filestore.FileStore
	reg      *registry.Registry
	ingester *Ingester
	status   *StatusReporter
	admit    *fakeAdmitter
	svc      *UploadService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	store, err := filestore.New(dir)
	if err != nil {
		t.Fatalf("Ошибка создания FileStore: %v", err)
	}

	logger := testLogger()
	reg := registry.New(nil, logger)
	ingester := NewIngester(store, 4096, logger)
	status := NewStatusReporter(reg, 16, 0)
	admit := &fakeAdmitter{decision: admission.Approve()}

	return &testEnv{
		dir:      dir,
		store:    store,
		reg:      reg,
		ingester: ingester,
		status:   status,
		admit:    admit,
		svc:      NewUploadService(reg, admit, store, ingester, status, 0, logger),
	}
}

// payload возвращает n детерминированных байт.
func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// readFile читает файл данных загрузки.
func (e *testEnv) readFile(t *testing.T, id string) []byte {
	t.Helper()
	data, err := os.ReadFile(e.store.Path(id))
	if err != nil {
		t.Fatalf("Ошибка чтения файла данных %s: %v", id, err)
	}
	return data
}

// failingReader отдаёт data и затем возвращает err.
type failingReader struct {
	r   io.Reader
	err error
}

func newFailingReader(data []byte, err error) *failingReader {
	return &failingReader{r: bytes.NewReader(data), err: err}
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err == io.EOF {
		return n, f.err
	}
	return n, err
}

// chunkReader отдаёт data порциями не больше size байт.
type chunkReader struct {
	data []byte
	size int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := min(c.size, len(p), len(c.data))
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

// assertKind проверяет класс и поле ошибки загрузки.
func assertKind(t *testing.T, err error, kind Kind, field string) {
	t.Helper()
	ue, ok := AsUploadError(err)
	if !ok {
		t.Fatalf("ожидалась UploadError %s, получили %v", kind, err)
	}
	if ue.Kind != kind {
		t.Errorf("Kind: хотели %s, получили %s (%v)", kind, ue.Kind, err)
	}
	if field != "" && ue.Field != field {
		t.Errorf("Field: хотели %q, получили %q", field, ue.Field)
	}
}
