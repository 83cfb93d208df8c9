// Package search evaluates queries against a mailbox by scanning it.
//
// The Engine is the fallback used when no specialized Index is wired
// in. It never locks anything: results reflect the mailbox as the
// backend scan saw it.
package search

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/mihaisoloi/james-mailbox-sub001/backend"
	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
	"github.com/mihaisoloi/james-mailbox-sub001/msgrange"
)

var searches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailstore_search_total",
	Help: "Searches run, by evaluation path.",
}, []string{"path"})

// ErrNotIndexed is reported by an Index that cannot answer a query.
var ErrNotIndexed = errors.New("search: query not indexed")

// Index is a specialized search backend.
type Index interface {
	Search(ctx context.Context, path mailbox.Path, q Query) (*Results, error)
}

type Engine struct {
	scanner backend.Scanner
	log     *zap.Logger

	// BatchSize bounds each backend scan chunk. Zero means unlimited.
	BatchSize int
}

func NewEngine(scanner backend.Scanner, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{scanner: scanner, log: log.Named("search"), BatchSize: 100}
}

// Search evaluates q against the mailbox at path.
func (e *Engine) Search(ctx context.Context, path mailbox.Path, q Query) (*Results, error) {
	if uc, ok := uidOnly(q); ok {
		searches.WithLabelValues("fast").Inc()
		return e.searchUIDs(ctx, path, uc, q.Sort)
	}
	searches.WithLabelValues("full").Inc()
	return e.searchFull(ctx, path, q)
}

// uidOnly reports whether q can be answered from metadata alone:
// a single UID criterion and no sort key that reads content.
func uidOnly(q Query) (UIDCriterion, bool) {
	if len(q.Criteria) != 1 {
		return UIDCriterion{}, false
	}
	uc, ok := q.Criteria[0].(UIDCriterion)
	if !ok {
		return UIDCriterion{}, false
	}
	for _, c := range q.Sort {
		if c.Content {
			return UIDCriterion{}, false
		}
	}
	return uc, true
}

func (e *Engine) searchUIDs(ctx context.Context, path mailbox.Path, uc UIDCriterion, order []Comparator) (*Results, error) {
	seen := make(map[mailbox.UID]bool)
	var cands []*Candidate
	for _, r := range uc.Ranges {
		if r.BatchSize() == 0 {
			r = r.WithBatchSize(e.BatchSize)
		}
		err := e.scanner.Scan(ctx, path, r, backend.FetchMetadata, func(msg mailbox.Message) error {
			if seen[msg.UID] {
				return nil
			}
			seen[msg.UID] = true
			cands = append(cands, newCandidate(msg))
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "search(%s, %s)", path, r)
		}
	}
	return e.finish(path, cands, order), nil
}

func (e *Engine) searchFull(ctx context.Context, path mailbox.Path, q Query) (*Results, error) {
	keepParsed := false
	for _, c := range q.Sort {
		keepParsed = keepParsed || c.Content
	}

	seen := make(map[mailbox.UID]bool)
	var cands []*Candidate
	r := msgrange.All().WithBatchSize(e.BatchSize)
	err := e.scanner.Scan(ctx, path, r, backend.FetchFull, func(msg mailbox.Message) error {
		if seen[msg.UID] {
			return nil
		}
		seen[msg.UID] = true
		c := newCandidate(msg)
		if !matchAll(q.Criteria, c) {
			return nil
		}
		if keepParsed {
			c.release()
		} else {
			msg.Content = nil
			c = newCandidate(msg)
		}
		cands = append(cands, c)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "search(%s)", path)
	}
	return e.finish(path, cands, q.Sort), nil
}

// finish orders cands by UID, then stably by order.
func (e *Engine) finish(path mailbox.Path, cands []*Candidate, order []Comparator) *Results {
	sort.Slice(cands, func(i, j int) bool { return cands[i].UID < cands[j].UID })
	if len(order) > 0 {
		chain := Chain(order...)
		sort.SliceStable(cands, func(i, j int) bool { return chain.Compare(cands[i], cands[j]) < 0 })
	}
	uids := make([]mailbox.UID, len(cands))
	for i, c := range cands {
		uids[i] = c.UID
	}
	e.log.Debug("search done", zap.Stringer("mailbox", path), zap.Int("matches", len(uids)))
	return &Results{uids: uids}
}

// Searcher answers queries from an Index when one is wired in and
// can handle the query, and from the Engine otherwise.
type Searcher struct {
	Index  Index // may be nil
	Engine *Engine
}

func (s *Searcher) Search(ctx context.Context, path mailbox.Path, q Query) (*Results, error) {
	if s.Index != nil {
		res, err := s.Index.Search(ctx, path, q)
		if err == nil {
			searches.WithLabelValues("index").Inc()
			return res, nil
		}
		if !errors.Is(err, ErrNotIndexed) {
			return nil, err
		}
	}
	return s.Engine.Search(ctx, path, q)
}

// Results is a materialized, ordered list of matching UIDs.
type Results struct {
	uids []mailbox.UID
}

// NewResults wraps uids, which must already be in result order.
func NewResults(uids []mailbox.UID) *Results {
	return &Results{uids: append([]mailbox.UID(nil), uids...)}
}

func (r *Results) Len() int { return len(r.uids) }

// UIDs returns a copy of the results.
func (r *Results) UIDs() []mailbox.UID {
	return append([]mailbox.UID{}, r.uids...)
}

// Ranges compacts the matching UIDs, ignoring result order.
func (r *Results) Ranges() []msgrange.Range {
	return msgrange.ToRanges(r.uids)
}

// Iter starts a new pass over the results.
func (r *Results) Iter() *Iterator {
	return &Iterator{uids: r.uids}
}

// Iterator walks Results once.
type Iterator struct {
	uids []mailbox.UID
	i    int
}

// Next returns the next UID. ok is false when the results are exhausted.
func (it *Iterator) Next() (uid mailbox.UID, ok bool) {
	if it.i >= len(it.uids) {
		return 0, false
	}
	uid = it.uids[it.i]
	it.i++
	return uid, true
}
