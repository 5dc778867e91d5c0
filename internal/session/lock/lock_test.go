package lock

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

// exercise runs n goroutines that each increment a shared counter inside the
// critical section and fails if two ever overlap.
func exercise(t *testing.T, l Locker, key string, n int) {
	t.Helper()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			release, err := l.Lock(ctx, key)
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			cur := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if cur <= m || atomic.CompareAndSwapInt32(&maxInside, m, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxInside)
	}
}

func TestKeyedMutex_Exclusive(t *testing.T) {
	defer goleak.VerifyNone(t)
	k := NewKeyedMutex()
	exercise(t, k, "user-1", 16)
	if k.size() != 0 {
		t.Errorf("entries leaked: %d", k.size())
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()
	r1, err := k.Lock(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer r1()
	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	r2, err := k.Lock(waitCtx, "b")
	if err != nil {
		t.Fatalf("different key should not block: %v", err)
	}
	r2()
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	k := NewKeyedMutex()
	release, err := k.Lock(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "a"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("want ErrNotAcquired, got %v", err)
	}
	release()
	release() // second call is a no-op
	if k.size() != 0 {
		t.Errorf("entries leaked: %d", k.size())
	}
}

func TestRedisLocker_Exclusive(t *testing.T) {
	_, client := newTestRedis(t)
	exercise(t, NewRedisLocker(client, "test:lock:", time.Second, nil), "user-1", 8)
}

func TestRedisLocker_ReleaseKeepsForeignLock(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, "test:lock:", time.Second, nil)
	release, err := l.Lock(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	// Simulate expiry followed by another holder taking the key.
	mr.FastForward(2 * time.Second)
	if err := mr.Set("test:lock:u1", "someone-else"); err != nil {
		t.Fatal(err)
	}
	release()
	got, err := mr.Get("test:lock:u1")
	if err != nil || got != "someone-else" {
		t.Fatalf("foreign lock removed: %q, %v", got, err)
	}
}

func TestRedisLocker_TimesOutWhileHeld(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLocker(client, "test:lock:", 10*time.Second, nil)
	release, err := l.Lock(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "u1"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("want ErrNotAcquired, got %v", err)
	}
}

func TestRedisLocker_RedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = NewRedisLocker(client, "test:lock:", time.Second, nil).Lock(ctx, "u1")
	if err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}

func TestRedisLocker_ReleaseFailureIsLoggedOnce(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	release, err := NewRedisLocker(client, "test:lock:", time.Second, logger).Lock(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	mr.Close()

	release()
	release()
	out := buf.String()
	if n := strings.Count(out, "session lock release failed"); n != 1 {
		t.Fatalf("release failure logged %d times, want 1:\n%s", n, out)
	}
	if !strings.Contains(out, "test:lock:u1") {
		t.Errorf("log does not name the key: %s", out)
	}
}
