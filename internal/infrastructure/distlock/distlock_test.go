package distlock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// connectTestLocker skips unless REDIS_ADDR points at a reachable server.
func connectTestLocker(t *testing.T) *Locker {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	l, err := Connect(ctx, Config{Addr: addr, TTL: 5 * time.Second})
	if err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	t.Cleanup(func() { l.Close() }) //nolint:errcheck // test cleanup
	return l
}

func TestNew_DefaultTTL(t *testing.T) {
	l := New(nil, 0)
	if l.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", l.ttl, DefaultTTL)
	}
}

func TestLocker_TryRun(t *testing.T) {
	l := connectTestLocker(t)
	ctx := context.Background()
	key := "mrs-test-" + time.Now().Format("150405.000000")

	ran := false
	err := l.TryRun(ctx, key, func(ctx context.Context) error {
		inner := l.TryRun(ctx, key, func(context.Context) error {
			t.Error("nested holder should not run")
			return nil
		})
		if !errors.Is(inner, ErrNotObtained) {
			t.Errorf("nested TryRun() error = %v, want ErrNotObtained", inner)
		}
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("TryRun() error = %v", err)
	}
	if !ran {
		t.Error("fn did not run")
	}

	// Released after the first run.
	if err := l.TryRun(ctx, key, func(context.Context) error { return nil }); err != nil {
		t.Errorf("TryRun() after release error = %v", err)
	}
}

func TestLocker_TryRunPropagatesError(t *testing.T) {
	l := connectTestLocker(t)
	errBoom := errors.New("boom")

	err := l.TryRun(context.Background(), "mrs-test-err", func(context.Context) error { return errBoom })
	if !errors.Is(err, errBoom) {
		t.Errorf("TryRun() error = %v, want errBoom", err)
	}
}
