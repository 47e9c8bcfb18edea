package service

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/upload-service/internal/domain/model"
)

// restoreAged добавляет в реестр запись с заданным состоянием и возрастом.
func restoreAged(t *testing.T, env *testEnv, state model.UploadState, age time.Duration) string {
	t.Helper()

	id := uuid.NewString()
	if err := os.WriteFile(env.store.Path(id), []byte("partial"), 0o640); err != nil {
		t.Fatalf("Ошибка создания файла данных: %v", err)
	}
	ts := time.Now().UTC().Add(-age)
	env.reg.Restore([]model.UploadRecord{{
		ID:           id,
		Destination:  env.dir,
		DeclaredName: "data.bin",
		DeclaredSize: 1000,
		State:        state,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}})
	return id
}

func newTestGC(env *testEnv, cfg GCConfig) *GCService {
	return NewGCService(env.reg, env.store, env.status, cfg, testLogger())
}

func TestGCRunOnce_Empty(t *testing.T) {
	env := newTestEnv(t)
	gc := newTestGC(env, GCConfig{CompletedRetention: time.Hour, BrokenRetention: time.Hour})

	result := gc.RunOnce(context.Background())
	if result.EvictedCount != 0 || result.DeletedCount != 0 || result.Errors != 0 {
		t.Errorf("пустой реестр: ожидался нулевой результат, получили %+v", result)
	}
}

func TestGCRunOnce_EvictsByRetention(t *testing.T) {
	env := newTestEnv(t)
	gc := newTestGC(env, GCConfig{CompletedRetention: time.Hour, BrokenRetention: 2 * time.Hour})

	oldComplete := restoreAged(t, env, model.Complete(), 3*time.Hour)
	freshComplete := restoreAged(t, env, model.Complete(), time.Minute)
	oldBroken := restoreAged(t, env, model.Broken(10), 3*time.Hour)
	midBroken := restoreAged(t, env, model.Broken(10), 90*time.Minute)
	oldFailed := restoreAged(t, env, model.Failed(), 3*time.Hour)
	oldInProgress := restoreAged(t, env, model.InProgress(10), 3*time.Hour)

	result := gc.RunOnce(context.Background())

	if result.EvictedCount != 3 {
		t.Errorf("EvictedCount: хотели 3, получили %d", result.EvictedCount)
	}
	// Broken и Failed: файлы удаляются, Complete: остаётся
	if result.DeletedCount != 2 {
		t.Errorf("DeletedCount: хотели 2, получили %d", result.DeletedCount)
	}

	for _, id := range []string{oldComplete, oldBroken, oldFailed} {
		if _, ok := env.reg.Snapshot(id); ok {
			t.Errorf("запись %s должна быть вытеснена", id)
		}
	}
	for _, id := range []string{freshComplete, midBroken, oldInProgress} {
		if _, ok := env.reg.Snapshot(id); !ok {
			t.Errorf("запись %s не должна быть вытеснена", id)
		}
	}

	if _, err := os.Stat(env.store.Path(oldComplete)); err != nil {
		t.Errorf("файл Complete загрузки должен остаться: %v", err)
	}
	for _, id := range []string{oldBroken, oldFailed} {
		if _, err := os.Stat(env.store.Path(id)); !os.IsNotExist(err) {
			t.Errorf("файл %s должен быть удалён, err=%v", id, err)
		}
	}
}

func TestGCRunOnce_RemembersTerminalStates(t *testing.T) {
	env := newTestEnv(t)
	gc := newTestGC(env, GCConfig{CompletedRetention: time.Hour, BrokenRetention: time.Hour})

	complete := restoreAged(t, env, model.Complete(), 2*time.Hour)
	broken := restoreAged(t, env, model.Broken(10), 2*time.Hour)

	gc.RunOnce(context.Background())

	if got := env.status.Status(complete); got.Kind != model.StateComplete {
		t.Errorf("статус вытесненной Complete: хотели Complete, получили %s", got)
	}
	if got := env.status.Status(broken); got.Kind != model.StateUnInit {
		t.Errorf("статус вытесненной Broken: хотели UnInit, получили %s", got)
	}
}

func TestGCRunOnce_SkipsBusyRecord(t *testing.T) {
	env := newTestEnv(t)
	gc := newTestGC(env, GCConfig{BrokenRetention: time.Hour})

	id := restoreAged(t, env, model.Broken(10), 2*time.Hour)
	h, err := env.reg.Acquire(id)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	result := gc.RunOnce(context.Background())
	if result.EvictedCount != 0 {
		t.Errorf("занятая запись не должна вытесняться, EvictedCount=%d", result.EvictedCount)
	}
	h.Release()

	result = gc.RunOnce(context.Background())
	if result.EvictedCount != 1 {
		t.Errorf("после Release запись должна вытесняться, EvictedCount=%d", result.EvictedCount)
	}
}

func TestGCRunOnce_ZeroRetentionDisablesPhase(t *testing.T) {
	env := newTestEnv(t)
	gc := newTestGC(env, GCConfig{BrokenRetention: time.Hour})

	id := restoreAged(t, env, model.Complete(), 1000*time.Hour)
	if result := gc.RunOnce(context.Background()); result.EvictedCount != 0 {
		t.Errorf("CompletedRetention=0: вытеснений быть не должно, получили %d", result.EvictedCount)
	}
	if _, ok := env.reg.Snapshot(id); !ok {
		t.Error("Complete запись должна остаться в реестре")
	}
}

func TestGCService_StartStop(t *testing.T) {
	env := newTestEnv(t)

	disabled := newTestGC(env, GCConfig{})
	if disabled.Enabled() {
		t.Error("GC без сроков хранения должен быть отключён")
	}
	disabled.Start(context.Background())
	disabled.Stop()

	gc := newTestGC(env, GCConfig{Interval: 10 * time.Millisecond, BrokenRetention: time.Hour})
	id := restoreAged(t, env, model.Broken(1), 2*time.Hour)

	gc.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := env.reg.Snapshot(id); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	gc.Stop()

	if _, ok := env.reg.Snapshot(id); ok {
		t.Error("фоновый GC должен был вытеснить запись")
	}
}
