package seqgen

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
)

// testCounters is a Counters that deliberately does not synchronize
// read-modify-write, so only the Sequencer lock keeps values unique.
type testCounters struct {
	mu        sync.Mutex
	vals      map[string]uint64
	failStore bool
	failLoad  bool
}

func (c *testCounters) key(path mailbox.Path, kind Kind) string {
	return path.Key() + "/" + kind.String()
}

func (c *testCounters) LoadCounter(ctx context.Context, path mailbox.Path, kind Kind) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failLoad {
		return 0, fmt.Errorf("load failed")
	}
	return c.vals[c.key(path, kind)], nil
}

func (c *testCounters) StoreCounter(ctx context.Context, path mailbox.Path, kind Kind, value uint64) error {
	time.Sleep(10 * time.Microsecond) // widen the race window
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failStore {
		return fmt.Errorf("store failed")
	}
	if c.vals == nil {
		c.vals = make(map[string]uint64)
	}
	c.vals[c.key(path, kind)] = value
	return nil
}

func TestNextUIDConcurrent(t *testing.T) {
	seq := New(&testCounters{}, &LocalLocker{}, zaptest.NewLogger(t))
	path := mailbox.NewPath("bob", "INBOX")

	const workers, perWorker = 8, 50
	results := make([][]mailbox.UID, workers)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			for j := 0; j < perWorker; j++ {
				uid, err := seq.NextUID(context.Background(), path)
				if err != nil {
					return err
				}
				results[i] = append(results[i], uid)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	var all []mailbox.UID
	for _, r := range results {
		for j := 1; j < len(r); j++ {
			if r[j] <= r[j-1] {
				t.Errorf("worker saw non-increasing UIDs %d then %d", r[j-1], r[j])
			}
		}
		all = append(all, r...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := range all {
		if want := mailbox.UID(i + 1); all[i] != want {
			t.Fatalf("sorted UIDs[%d]=%d, want %d (duplicate or gap)", i, all[i], want)
		}
	}
	if uid, _ := seq.Last(path); uid != workers*perWorker {
		t.Errorf("Last uid=%d, want %d", uid, workers*perWorker)
	}
}

func TestNextIndependentMailboxes(t *testing.T) {
	seq := New(&testCounters{}, nil, nil)
	ctx := context.Background()
	a, b := mailbox.NewPath("bob", "INBOX"), mailbox.NewPath("bob", "Sent")

	for i := 1; i <= 3; i++ {
		uid, modSeq, err := seq.Next(ctx, a)
		if err != nil {
			t.Fatal(err)
		}
		if uid != mailbox.UID(i) || modSeq != mailbox.ModSeq(i) {
			t.Errorf("Next(%s)=%d,%d, want %d,%d", a, uid, modSeq, i, i)
		}
	}
	if uid, err := seq.NextUID(ctx, b); err != nil || uid != 1 {
		t.Errorf("NextUID(%s)=%d, %v; want 1", b, uid, err)
	}
	if modSeq, err := seq.NextModSeq(ctx, a); err != nil || modSeq != 4 {
		t.Errorf("NextModSeq(%s)=%d, %v; want 4", a, modSeq, err)
	}
}

func TestStoreFailureDoesNotAdvance(t *testing.T) {
	counters := &testCounters{}
	seq := New(counters, nil, nil)
	ctx := context.Background()
	path := mailbox.NewPath("bob", "INBOX")

	if _, err := seq.NextUID(ctx, path); err != nil {
		t.Fatal(err)
	}

	counters.failStore = true
	_, err := seq.NextUID(ctx, path)
	if !errors.Is(err, mailbox.ErrBackend) {
		t.Fatalf("NextUID with failing store: err=%v, want ErrBackend", err)
	}
	if uid, _ := seq.Last(path); uid != 1 {
		t.Errorf("Last uid after failure=%d, want 1", uid)
	}

	counters.failStore = false
	if uid, err := seq.NextUID(ctx, path); err != nil || uid != 2 {
		t.Errorf("NextUID after recovery=%d, %v; want 2", uid, err)
	}

	counters.failLoad = true
	if _, err := seq.NextModSeq(ctx, path); !errors.Is(err, mailbox.ErrBackend) {
		t.Errorf("NextModSeq with failing load: err=%v, want ErrBackend", err)
	}
}

func TestExhausted(t *testing.T) {
	path := mailbox.NewPath("bob", "INBOX")
	counters := &testCounters{vals: map[string]uint64{}}
	counters.vals[counters.key(path, UIDCounter)] = mailbox.MaxUID
	seq := New(counters, nil, nil)
	if _, err := seq.NextUID(context.Background(), path); !errors.Is(err, mailbox.ErrConflict) {
		t.Errorf("NextUID at MaxUID: err=%v, want ErrConflict", err)
	}
}

func TestLocalLockerTimeout(t *testing.T) {
	l := &LocalLocker{Timeout: 20 * time.Millisecond}
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	go l.WithLock(ctx, "k", func() error {
		close(held)
		<-release
		return nil
	})
	<-held

	ran := false
	err := l.WithLock(ctx, "k", func() error { ran = true; return nil })
	if !errors.Is(err, mailbox.ErrLockUnavailable) {
		t.Errorf("WithLock on held key: err=%v, want ErrLockUnavailable", err)
	}
	if ran {
		t.Error("fn ran without the lock")
	}

	if err := l.WithLock(ctx, "other", func() error { return nil }); err != nil {
		t.Errorf("WithLock on free key: %v", err)
	}

	close(release)
	l.Timeout = 0
	if err := l.WithLock(context.Background(), "k", func() error { return nil }); err != nil {
		t.Errorf("WithLock after release: %v", err)
	}
}

func TestLocalLockerReleasesOnError(t *testing.T) {
	l := new(LocalLocker)
	ctx := context.Background()
	boom := fmt.Errorf("boom")
	if err := l.WithLock(ctx, "k", func() error { return boom }); err != boom {
		t.Errorf("WithLock err=%v, want %v", err, boom)
	}
	if err := l.WithLock(ctx, "k", func() error { return nil }); err != nil {
		t.Errorf("second WithLock: %v", err)
	}
	if n := l.held(); n != 0 {
		t.Errorf("%d keys still tracked after release", n)
	}
	if Local() != Local() {
		t.Error("Local() is not process-wide")
	}
}
