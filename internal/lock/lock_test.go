package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FocuswithJustin/sqlite3schema/core/reconcile"
)

var (
	_ reconcile.Locker = (*Local)(nil)
	_ reconcile.Locker = (*Redis)(nil)
)

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "Page")
			if err != nil {
				t.Error(err)
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
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("max holders = %d, want 1", maxInside)
	}
}

func TestLocalKeysAreIndependent(t *testing.T) {
	l := NewLocal()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	unlockPage, err := l.Lock(ctx, "Page")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockPage()
	unlockMember, err := l.Lock(ctx, "Member")
	if err != nil {
		t.Fatalf("different key should not block: %v", err)
	}
	unlockMember()
}

func TestLocalHonoursContext(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "Page")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "Page"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Lock while held error = %v", err)
	}

	unlock()
	unlock() // second release is a no-op
	again, err := l.Lock(context.Background(), "Page")
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	again()
}

func TestRedisLock(t *testing.T) {
	addr := os.Getenv("SQLITE3SCHEMA_TEST_REDIS")
	if addr == "" {
		t.Skip("SQLITE3SCHEMA_TEST_REDIS not set")
	}
	ctx := context.Background()
	client, err := Dial(ctx, addr, 0)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	prefix := "sqlite3schema:test:" + time.Now().Format("150405.000000") + ":"
	a := NewRedis(client, prefix, 5*time.Second)
	b := NewRedis(client, prefix, 5*time.Second)
	b.Retry = 5 * time.Millisecond

	unlock, err := a.Lock(ctx, "Page")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := b.Lock(short, "Page"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second holder error = %v", err)
	}
	unlock()

	unlockB, err := b.Lock(ctx, "Page")
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	// a stale release from the first holder must not free b's lock
	unlock()
	if n, err := client.Exists(ctx, prefix+"Page").Result(); err != nil || n != 1 {
		t.Errorf("key exists = %d, %v", n, err)
	}
	unlockB()
	if n, _ := client.Exists(ctx, prefix+"Page").Result(); n != 0 {
		t.Error("key should be gone after release")
	}
}
