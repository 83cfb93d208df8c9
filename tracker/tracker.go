// Package tracker detects changes to a mailbox and reports them as events.
//
// A Tracker caches the last known flags of every message of one mailbox.
// Backends and rescans report what they observe; the Tracker compares it
// with the cache, updates the cache, and then emits added, expunged and
// flags-updated events to the listeners of its Registry.
//
// The cache is the state machine: a UID is unknown, known with some
// flags, or gone. Expunction is only inferred from absence when a scan
// covering the UID's range has completed (FoundRange), or reported
// directly (Expunged).
package tracker

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
	"github.com/mihaisoloi/james-mailbox-sub001/msgrange"
)

var emitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailstore_tracker_events_total",
	Help: "Mailbox events emitted by change trackers, by kind.",
}, []string{"kind"})

// Tracker tracks the messages of one mailbox.
//
// All methods are safe for concurrent use. Mutations are serialized and
// each one commits its cache update before its events are delivered.
type Tracker struct {
	reg *Registry
	log *zap.Logger

	mu      sync.Mutex
	path    mailbox.Path
	lastUID mailbox.UID
	cache   map[mailbox.UID]mailbox.Flags
	deleted bool
}

// New creates a Tracker for path. lastKnownUID is the highest UID
// already reported to clients; found UIDs above it are reported as added.
func New(path mailbox.Path, lastKnownUID mailbox.UID, reg *Registry, log *zap.Logger) *Tracker {
	if reg == nil {
		reg = NewRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		reg:     reg,
		log:     log,
		path:    path,
		lastUID: lastKnownUID,
		cache:   make(map[mailbox.UID]mailbox.Flags),
	}
}

// Seed loads a snapshot taken when the mailbox was opened.
// Nothing is emitted: seeded messages are already known to clients.
func (t *Tracker) Seed(known map[mailbox.UID]mailbox.Flags) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	uids := sortedKeys(known)
	if err := t.checkUIDs(uids); err != nil {
		return err
	}
	for _, uid := range uids {
		t.cache[uid] = copyFlags(known[uid])
		if uid > t.lastUID {
			t.lastUID = uid
		}
	}
	return nil
}

// Found reports that message uid was observed with flags.
//
// If the UID is not cached or its cached flags differ, a FlagsUpdated
// event is emitted. If uid is above the last known UID, an Added event
// follows and the last known UID is raised.
func (t *Tracker) Found(uid mailbox.UID, flags mailbox.Flags) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkUIDs([]mailbox.UID{uid}); err != nil {
		return err
	}
	t.emit(t.found(nil, uid, flags))
	return nil
}

// FoundRange reports the complete result of a scan of r.
//
// Every observed UID is handled as by Found. Every cached UID inside r
// that was not observed is removed and reported as Expunged.
// Events are emitted for observed UIDs in ascending order, then for
// expunged UIDs in ascending order.
func (t *Tracker) FoundRange(r msgrange.Range, observed map[mailbox.UID]mailbox.Flags) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	uids := sortedKeys(observed)
	if err := t.checkUIDs(uids); err != nil {
		return err
	}

	expected := make(map[mailbox.UID]bool)
	for uid := range t.cache {
		if r.Includes(uid) {
			expected[uid] = true
		}
	}

	var evs []Event
	for _, uid := range uids {
		delete(expected, uid)
		evs = t.found(evs, uid, observed[uid])
	}
	for _, uid := range sortedKeys(expected) {
		delete(t.cache, uid)
		evs = append(evs, Event{Kind: Expunged, Path: t.path, UID: uid})
	}
	t.emit(evs)
	return nil
}

// Expunged reports that the backend removed uids.
// An Expunged event is emitted for each UID, cached or not.
func (t *Tracker) Expunged(uids []mailbox.UID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkUIDs(uids); err != nil {
		return err
	}

	seen := make(map[mailbox.UID]bool, len(uids))
	var evs []Event
	for _, uid := range uids {
		if seen[uid] {
			continue
		}
		seen[uid] = true
		delete(t.cache, uid)
		evs = append(evs, Event{Kind: Expunged, Path: t.path, UID: uid})
	}
	t.emit(evs)
	return nil
}

// FlagsUpdated reports flag changes made through this layer.
//
// The previous flags of a UID are its cached flags, or original[uid]
// if it is not cached. A FlagsUpdated event is emitted when they differ
// from the new flags. The new flags are always cached.
func (t *Tracker) FlagsUpdated(newFlags, original map[mailbox.UID]mailbox.Flags) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	uids := sortedKeys(newFlags)
	if err := t.checkUIDs(uids); err != nil {
		return err
	}

	var evs []Event
	for _, uid := range uids {
		flags := newFlags[uid]
		old, known := t.cache[uid]
		if !known {
			if old, known = original[uid]; known {
				old = copyFlags(old) // caller may reuse original
			}
		}
		if !known || !old.Equal(flags) {
			evs = append(evs, Event{
				Kind:     FlagsUpdated,
				Path:     t.path,
				UID:      uid,
				OldFlags: old,
				OldKnown: known,
				NewFlags: copyFlags(flags),
			})
		}
		t.cache[uid] = copyFlags(flags)
	}
	t.emit(evs)
	return nil
}

// Renamed records that the mailbox is now called newPath.
func (t *Tracker) Renamed(newPath mailbox.Path) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(); err != nil {
		return err
	}
	old := t.path
	t.path = newPath
	t.emit([]Event{{Kind: MailboxRenamed, Path: newPath, OldPath: old}})
	return nil
}

// Deleted records that the mailbox was deleted.
// The cache is dropped and later calls fail with mailbox.ErrNotFound.
func (t *Tracker) Deleted() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(); err != nil {
		return err
	}
	t.deleted = true
	t.cache = make(map[mailbox.UID]mailbox.Flags)
	t.emit([]Event{{Kind: MailboxDeleted, Path: t.path}})
	return nil
}

// Flags returns the cached flags of uid.
func (t *Tracker) Flags(uid mailbox.UID) (mailbox.Flags, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	flags, ok := t.cache[uid]
	return copyFlags(flags), ok
}

// UIDs returns the cached UIDs in ascending order.
func (t *Tracker) UIDs() []mailbox.UID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.cache)
}

func (t *Tracker) LastKnownUID() mailbox.UID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUID
}

func (t *Tracker) Path() mailbox.Path {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cache)
}

// check fails once the mailbox is deleted. t.mu must be held.
func (t *Tracker) check() error {
	if t.deleted {
		return mailbox.NotFoundf("tracker: mailbox %s deleted", t.path)
	}
	return nil
}

// checkUIDs validates uids and the tracker state. t.mu must be held.
func (t *Tracker) checkUIDs(uids []mailbox.UID) error {
	if err := t.check(); err != nil {
		return err
	}
	for _, uid := range uids {
		if uid == 0 || uid > mailbox.MaxUID {
			return mailbox.Conflictf("tracker: uid %d out of range in %s", uid, t.path)
		}
	}
	return nil
}

// found updates the cache for one observed message and appends the
// resulting events to evs. t.mu must be held.
func (t *Tracker) found(evs []Event, uid mailbox.UID, flags mailbox.Flags) []Event {
	old, known := t.cache[uid]
	if !known || !old.Equal(flags) {
		evs = append(evs, Event{
			Kind:     FlagsUpdated,
			Path:     t.path,
			UID:      uid,
			OldFlags: old,
			OldKnown: known,
			NewFlags: copyFlags(flags),
		})
	}
	if uid > t.lastUID {
		evs = append(evs, Event{Kind: Added, Path: t.path, UID: uid})
		t.lastUID = uid
	}
	t.cache[uid] = copyFlags(flags)
	return evs
}

// emit delivers evs. The cache must already reflect them.
// t.mu must be held so that delivery order matches emission order.
func (t *Tracker) emit(evs []Event) {
	for _, ev := range evs {
		emitted.WithLabelValues(ev.Kind.String()).Inc()
		if ce := t.log.Check(zap.DebugLevel, "mailbox event"); ce != nil {
			ce.Write(zap.Stringer("event", ev))
		}
	}
	t.reg.deliver(evs)
}

func copyFlags(f mailbox.Flags) mailbox.Flags {
	if f == nil {
		return mailbox.Flags{}
	}
	return append(mailbox.Flags{}, f...)
}

func sortedKeys[V any](m map[mailbox.UID]V) []mailbox.UID {
	uids := make([]mailbox.UID, 0, len(m))
	for uid := range m {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}
