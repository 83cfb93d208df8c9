// Package seqgen allocates UIDs and mod-sequences.
//
// Backends persist the counters (a column, a bucket sequence, a map)
// through the Counters interface. The Sequencer supplies the locking
// discipline: every read-modify-write of a mailbox counter runs inside
// a lock scoped to the mailbox path, so concurrent callers in this
// process or another one never see the same value twice.
package seqgen

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
)

// Kind names a per-mailbox counter.
type Kind int

const (
	UIDCounter Kind = iota
	ModSeqCounter
)

func (k Kind) String() string {
	switch k {
	case UIDCounter:
		return "uid"
	case ModSeqCounter:
		return "modseq"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Provider hands out the next UID and ModSeq of a mailbox.
type Provider interface {
	NextUID(ctx context.Context, path mailbox.Path) (mailbox.UID, error)
	NextModSeq(ctx context.Context, path mailbox.Path) (mailbox.ModSeq, error)

	// Next allocates a UID and a ModSeq in one critical section.
	Next(ctx context.Context, path mailbox.Path) (mailbox.UID, mailbox.ModSeq, error)
}

// Counters is the durable store of the last value issued for a counter.
// A mailbox that has issued nothing has a counter of 0.
type Counters interface {
	LoadCounter(ctx context.Context, path mailbox.Path, kind Kind) (uint64, error)
	StoreCounter(ctx context.Context, path mailbox.Path, kind Kind, value uint64) error
}

// Locker provides mutual exclusion per key.
//
// WithLock blocks until the lock for key is held, runs fn, and releases
// the lock on every return path. If the lock cannot be acquired it
// returns an error of class mailbox.ErrLockUnavailable and fn is not run.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func() error) error
}

var allocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailstore_sequence_allocations_total",
	Help: "UIDs and mod-sequences allocated, by counter.",
}, []string{"kind"})

// Sequencer is a Provider over backend Counters.
type Sequencer struct {
	counters Counters
	locker   Locker
	log      *zap.Logger

	mu   sync.Mutex
	last map[string][2]uint64 // path key -> last persisted values, by Kind
}

// New creates a Sequencer. A nil locker uses the process-wide Local locker.
func New(counters Counters, locker Locker, log *zap.Logger) *Sequencer {
	if locker == nil {
		locker = Local()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sequencer{
		counters: counters,
		locker:   locker,
		log:      log,
		last:     make(map[string][2]uint64),
	}
}

func (s *Sequencer) NextUID(ctx context.Context, path mailbox.Path) (mailbox.UID, error) {
	vals, err := s.advance(ctx, path, UIDCounter)
	if err != nil {
		return 0, err
	}
	return mailbox.UID(vals[0]), nil
}

func (s *Sequencer) NextModSeq(ctx context.Context, path mailbox.Path) (mailbox.ModSeq, error) {
	vals, err := s.advance(ctx, path, ModSeqCounter)
	if err != nil {
		return 0, err
	}
	return mailbox.ModSeq(vals[0]), nil
}

func (s *Sequencer) Next(ctx context.Context, path mailbox.Path) (mailbox.UID, mailbox.ModSeq, error) {
	vals, err := s.advance(ctx, path, UIDCounter, ModSeqCounter)
	if err != nil {
		return 0, 0, err
	}
	return mailbox.UID(vals[0]), mailbox.ModSeq(vals[1]), nil
}

// Last reports the last values this Sequencer persisted for path.
// Values allocated by other processes are not reflected.
func (s *Sequencer) Last(path mailbox.Path) (mailbox.UID, mailbox.ModSeq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.last[path.Key()]
	return mailbox.UID(v[UIDCounter]), mailbox.ModSeq(v[ModSeqCounter])
}

func (s *Sequencer) advance(ctx context.Context, path mailbox.Path, kinds ...Kind) ([]uint64, error) {
	var vals []uint64
	err := s.locker.WithLock(ctx, path.Key(), func() error {
		vals = vals[:0]
		for _, kind := range kinds {
			cur, err := s.counters.LoadCounter(ctx, path, kind)
			if err != nil {
				return mailbox.Backendf(err, "seqgen: load %s counter of %s", kind, path)
			}
			if cur >= mailbox.MaxUID {
				return mailbox.Conflictf("seqgen: %s counter of %s exhausted", kind, path)
			}
			next := cur + 1
			if err := s.counters.StoreCounter(ctx, path, kind, next); err != nil {
				return mailbox.Backendf(err, "seqgen: store %s counter of %s", kind, path)
			}
			vals = append(vals, next)
		}
		return nil
	})
	if err != nil {
		s.log.Debug("sequence allocation failed", zap.Stringer("mailbox", path), zap.Error(err))
		return nil, err
	}

	s.mu.Lock()
	last := s.last[path.Key()]
	for i, kind := range kinds {
		if vals[i] > last[kind] {
			last[kind] = vals[i]
		}
		allocations.WithLabelValues(kind.String()).Inc()
	}
	s.last[path.Key()] = last
	s.mu.Unlock()

	return vals, nil
}
