package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestLocalLocker_SerializesSameKey(t *testing.T) {
	l := NewLocalLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "patient-1")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			_ = unlock(context.Background())
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most 1 holder, saw %d", maxInside)
	}
	if l.Len() != 0 {
		t.Errorf("expected lock table to be empty, got %d", l.Len())
	}
}

func TestLocalLocker_DifferentKeysDoNotContend(t *testing.T) {
	l := NewLocalLocker()
	unlockA, err := l.Lock(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("expected lock on b, got %v", err)
	}
	_ = unlockB(context.Background())
}

func TestLocalLocker_ContextCancelled(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	_ = unlock(context.Background())
	_ = unlock(context.Background())
	if l.Len() != 0 {
		t.Errorf("expected lock table to be empty, got %d", l.Len())
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRedisLocker(rdb, "lock:", time.Second)

	unlock, err := l.Lock(context.Background(), "patient-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mr.Exists("lock:patient-1") {
		t.Fatal("expected lock key to exist")
	}
	if err := unlock(context.Background()); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	if mr.Exists("lock:patient-1") {
		t.Fatal("expected lock key to be deleted")
	}
}

func TestRedisLocker_BlocksUntilReleased(t *testing.T) {
	_, rdb := newTestRedis(t)
	l := NewRedisLocker(rdb, "lock:", time.Second)

	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while held, got %v", err)
	}

	_ = unlock(context.Background())
	unlock2, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
	_ = unlock2(context.Background())
}

func TestRedisLocker_ExpiredLeaseNotReleasedByOldHolder(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRedisLocker(rdb, "lock:", time.Second)

	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Second)

	unlock2, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("expected lock after expiry, got %v", err)
	}

	if err := unlock(context.Background()); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld from stale holder, got %v", err)
	}
	if !mr.Exists("lock:k") {
		t.Fatal("stale holder must not delete the new lease")
	}
	_ = unlock2(context.Background())
}
