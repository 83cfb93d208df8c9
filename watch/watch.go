// Package watch periodically rescans mailboxes for changes made by
// other processes sharing the storage.
package watch

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
	"github.com/mihaisoloi/james-mailbox-sub001/mailstore"
	"github.com/mihaisoloi/james-mailbox-sub001/msgrange"
)

var rescans = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailstore_watch_rescans_total",
	Help: "Mailbox rescans run by the poller, by outcome.",
}, []string{"outcome"})

// Stores is the set of owners a Poller watches.
type Stores interface {
	Owners() ([]string, error)
	Open(ctx context.Context, owner string) (*mailstore.Store, error)
}

type Poller struct {
	stores  Stores
	log     *zap.Logger
	limiter *rate.Limiter

	Interval    time.Duration // between passes, default 30s
	Concurrency int           // mailboxes rescanned at once, default 4
	BatchSize   int           // rescan chunk size, zero uses the store default
}

// NewPoller creates a Poller that starts at most perSecond rescans a
// second. A perSecond of zero means unlimited.
func NewPoller(stores Stores, perSecond float64, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Poller{
		stores:      stores,
		log:         log.Named("watch"),
		limiter:     rate.NewLimiter(limit, 1),
		Interval:    30 * time.Second,
		Concurrency: 4,
	}
}

// PollOnce rescans every mailbox of every owner once.
//
// A mailbox deleted or recreated since the last pass is logged and
// skipped; its tracker already reported it. Any other error stops
// the pass.
func (p *Poller) PollOnce(ctx context.Context) error {
	owners, err := p.stores.Owners()
	if err != nil {
		return err
	}

	type job struct {
		s    *mailstore.Store
		path mailbox.Path
	}
	var jobs []job
	for _, owner := range owners {
		s, err := p.stores.Open(ctx, owner)
		if err != nil {
			return err
		}
		infos, err := s.List(ctx, owner)
		if err != nil {
			return errors.Wrapf(err, "watch: list %q", owner)
		}
		for _, info := range infos {
			jobs = append(jobs, job{s: s, path: info.Path})
		}
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(p.concurrency())
	for _, j := range jobs {
		if err := p.limiter.Wait(gctx); err != nil {
			break // the group's error, or the caller's, is reported below
		}
		j := j
		grp.Go(func() error {
			return p.rescan(gctx, j.s, j.path)
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (p *Poller) rescan(ctx context.Context, s *mailstore.Store, path mailbox.Path) error {
	r := msgrange.All()
	if p.BatchSize > 0 {
		r = r.WithBatchSize(p.BatchSize)
	}
	err := s.Rescan(ctx, path, r)
	switch {
	case err == nil:
		rescans.WithLabelValues("ok").Inc()
		return nil
	case errors.Is(err, mailbox.ErrNotFound), errors.Is(err, mailbox.ErrConflict):
		rescans.WithLabelValues("skipped").Inc()
		p.log.Info("rescan skipped", zap.Stringer("mailbox", path), zap.Error(err))
		return nil
	}
	rescans.WithLabelValues("error").Inc()
	return errors.Wrapf(err, "watch: rescan %s", path)
}

// Run polls until ctx is done. Failed passes are logged and retried
// on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		start := time.Now()
		if err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("poll failed", zap.Error(err))
		} else {
			p.log.Debug("poll done", zap.Duration("elapsed", time.Since(start)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) concurrency() int {
	if p.Concurrency <= 0 {
		return 4
	}
	return p.Concurrency
}
