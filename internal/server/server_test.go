package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/upload-service/internal/config"
)

type pingRoutes struct{}

func (pingRoutes) Register(r chi.Router) {
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pong")
	})
}

func testConfig() *config.Config {
	return &config.Config{Port: 0, ShutdownTimeout: 2 * time.Second}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNew_MiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	srv := New(testConfig(), testLogger(), pingRoutes{}, mw("first"), mw("second"))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Fatalf("ответ: %d %q", rec.Code, rec.Body.String())
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("порядок middleware: %v", order)
	}
}

func TestNew_TLSConfig(t *testing.T) {
	cfg := testConfig()
	cfg.TLSCert, cfg.TLSKey = "cert.pem", "key.pem"

	srv := New(cfg, testLogger(), pingRoutes{})
	if srv.httpServer.TLSConfig == nil {
		t.Error("TLSConfig должен быть задан при заданных сертификате и ключе")
	}

	srv = New(testConfig(), testLogger(), pingRoutes{})
	if srv.httpServer.TLSConfig != nil {
		t.Error("TLSConfig не должен быть задан без сертификата")
	}
}

func TestServe_GracefulShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	srv := New(testConfig(), testLogger(), pingRoutes{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/ping")
	if err != nil {
		t.Fatalf("GET /ping: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("статус: хотели 200, получили %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve вернул ошибку: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("сервер не остановился после отмены контекста")
	}
}
