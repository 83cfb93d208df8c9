package tracker

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
	"github.com/mihaisoloi/james-mailbox-sub001/msgrange"
)

var inbox = mailbox.NewPath("bob", "INBOX")

type recorder struct {
	mu  sync.Mutex
	evs []Event
}

func (r *recorder) Event(ev Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) take() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := r.evs
	r.evs = nil
	return evs
}

func newTestTracker(t *testing.T, lastUID mailbox.UID) (*Tracker, *recorder) {
	rec := new(recorder)
	reg := NewRegistry()
	reg.Register(rec)
	return New(inbox, lastUID, reg, zaptest.NewLogger(t)), rec
}

func flags(names ...string) mailbox.Flags { return mailbox.NewFlags(names...) }

func TestFoundNewMessage(t *testing.T) {
	tr, rec := newTestTracker(t, 0)
	if err := tr.Found(1, flags(`\Seen`)); err != nil {
		t.Fatal(err)
	}
	want := []Event{
		{Kind: FlagsUpdated, Path: inbox, UID: 1, NewFlags: flags(`\Seen`)},
		{Kind: Added, Path: inbox, UID: 1},
	}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if got := tr.LastKnownUID(); got != 1 {
		t.Errorf("LastKnownUID()=%d, want 1", got)
	}

	// Same state again: nothing to report.
	if err := tr.Found(1, flags(`\Seen`)); err != nil {
		t.Fatal(err)
	}
	if evs := rec.take(); len(evs) != 0 {
		t.Errorf("unchanged Found emitted %v", evs)
	}
}

func TestFoundBelowLastKnown(t *testing.T) {
	tr, rec := newTestTracker(t, 10)
	if err := tr.Found(4, flags()); err != nil {
		t.Fatal(err)
	}
	want := []Event{{Kind: FlagsUpdated, Path: inbox, UID: 4, NewFlags: flags()}}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if got := tr.LastKnownUID(); got != 10 {
		t.Errorf("LastKnownUID()=%d, want 10", got)
	}
}

func TestFoundRange(t *testing.T) {
	tr, rec := newTestTracker(t, 20)
	for uid, f := range map[mailbox.UID]mailbox.Flags{
		3:  flags(),
		6:  flags(`\Answered`),
		7:  flags("SEEN"),
		9:  flags(),
		12: flags(),
	} {
		if err := tr.Found(uid, f); err != nil {
			t.Fatal(err)
		}
	}
	rec.take()

	observed := map[mailbox.UID]mailbox.Flags{
		7: flags("SEEN", "FLAGGED"),
	}
	if err := tr.FoundRange(msgrange.Between(5, 10), observed); err != nil {
		t.Fatal(err)
	}
	want := []Event{
		{Kind: FlagsUpdated, Path: inbox, UID: 7, OldFlags: flags("SEEN"), OldKnown: true, NewFlags: flags("SEEN", "FLAGGED")},
		{Kind: Expunged, Path: inbox, UID: 6},
		{Kind: Expunged, Path: inbox, UID: 9},
	}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]mailbox.UID{3, 7, 12}, tr.UIDs()); diff != "" {
		t.Errorf("cache mismatch (-want +got):\n%s", diff)
	}
}

func TestFoundRangeFromBoundary(t *testing.T) {
	tr, rec := newTestTracker(t, 0)
	tr.Found(5, flags())
	tr.Found(6, flags())
	rec.take()

	// From(5) excludes 5, so a scan of it that sees nothing only expunges 6.
	if err := tr.FoundRange(msgrange.From(5), nil); err != nil {
		t.Fatal(err)
	}
	want := []Event{{Kind: Expunged, Path: inbox, UID: 6}}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if _, ok := tr.Flags(5); !ok {
		t.Error("uid 5 was dropped by a scan of From(5)")
	}
}

func TestFoundRangeNewMessages(t *testing.T) {
	tr, rec := newTestTracker(t, 2)
	observed := map[mailbox.UID]mailbox.Flags{4: flags(), 3: flags(`\Seen`)}
	if err := tr.FoundRange(msgrange.All(), observed); err != nil {
		t.Fatal(err)
	}
	want := []Event{
		{Kind: FlagsUpdated, Path: inbox, UID: 3, NewFlags: flags(`\Seen`)},
		{Kind: Added, Path: inbox, UID: 3},
		{Kind: FlagsUpdated, Path: inbox, UID: 4, NewFlags: flags()},
		{Kind: Added, Path: inbox, UID: 4},
	}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestExpunged(t *testing.T) {
	tr, rec := newTestTracker(t, 0)
	tr.Found(1, flags())
	rec.take()

	if err := tr.Expunged([]mailbox.UID{1, 8, 1}); err != nil {
		t.Fatal(err)
	}
	want := []Event{
		{Kind: Expunged, Path: inbox, UID: 1},
		{Kind: Expunged, Path: inbox, UID: 8},
	}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if tr.Len() != 0 {
		t.Errorf("Len()=%d after expunge, want 0", tr.Len())
	}
}

func TestFlagsUpdated(t *testing.T) {
	tr, rec := newTestTracker(t, 0)
	tr.Found(1, flags(`\Seen`))
	rec.take()

	newFlags := map[mailbox.UID]mailbox.Flags{
		1: flags(`\Seen`, `\Flagged`), // cached: old flags from cache
		2: flags(`\Deleted`),          // uncached: old flags from original
		3: flags(),                    // uncached and unchanged
		4: flags(`\Draft`),            // unknown old state
	}
	original := map[mailbox.UID]mailbox.Flags{
		1: flags(), // ignored, the cache wins
		2: flags(`\Seen`),
		3: flags(),
	}
	if err := tr.FlagsUpdated(newFlags, original); err != nil {
		t.Fatal(err)
	}
	want := []Event{
		{Kind: FlagsUpdated, Path: inbox, UID: 1, OldFlags: flags(`\Seen`), OldKnown: true, NewFlags: flags(`\Seen`, `\Flagged`)},
		{Kind: FlagsUpdated, Path: inbox, UID: 2, OldFlags: flags(`\Seen`), OldKnown: true, NewFlags: flags(`\Deleted`)},
		{Kind: FlagsUpdated, Path: inbox, UID: 4, NewFlags: flags(`\Draft`)},
	}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	for uid, f := range newFlags {
		if got, ok := tr.Flags(uid); !ok || !got.Equal(f) {
			t.Errorf("Flags(%d)=%v, %v; want %v", uid, got, ok, f)
		}
	}
}

func TestFlagsUpdatedOwnsOldFlags(t *testing.T) {
	tr, rec := newTestTracker(t, 0)
	original := map[mailbox.UID]mailbox.Flags{1: flags(`\Seen`)}
	newFlags := map[mailbox.UID]mailbox.Flags{1: flags(`\Seen`, `\Flagged`)}
	if err := tr.FlagsUpdated(newFlags, original); err != nil {
		t.Fatal(err)
	}
	original[1][0] = `\Draft`

	evs := rec.take()
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1: %v", len(evs), evs)
	}
	if want := flags(`\Seen`); !evs[0].OldFlags.Equal(want) {
		t.Errorf("OldFlags=%v after caller reused its map, want %v", evs[0].OldFlags, want)
	}
}

func TestRenameAndDelete(t *testing.T) {
	tr, rec := newTestTracker(t, 0)
	tr.Found(1, flags())
	rec.take()

	archive := mailbox.NewPath("bob", "Archive")
	if err := tr.Renamed(archive); err != nil {
		t.Fatal(err)
	}
	if err := tr.Found(2, flags()); err != nil {
		t.Fatal(err)
	}
	if err := tr.Deleted(); err != nil {
		t.Fatal(err)
	}
	want := []Event{
		{Kind: MailboxRenamed, Path: archive, OldPath: inbox},
		{Kind: FlagsUpdated, Path: archive, UID: 2, NewFlags: flags()},
		{Kind: Added, Path: archive, UID: 2},
		{Kind: MailboxDeleted, Path: archive},
	}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if err := tr.Found(3, flags()); !errors.Is(err, mailbox.ErrNotFound) {
		t.Errorf("Found after Deleted: err=%v, want ErrNotFound", err)
	}
	if evs := rec.take(); len(evs) != 0 {
		t.Errorf("events after Deleted: %v", evs)
	}
}

func TestInvalidUIDLeavesCacheAlone(t *testing.T) {
	tr, rec := newTestTracker(t, 0)
	tr.Found(1, flags())
	rec.take()

	observed := map[mailbox.UID]mailbox.Flags{2: flags(), 0: flags()}
	if err := tr.FoundRange(msgrange.All(), observed); !errors.Is(err, mailbox.ErrConflict) {
		t.Fatalf("FoundRange with uid 0: err=%v, want ErrConflict", err)
	}
	if evs := rec.take(); len(evs) != 0 {
		t.Errorf("failed FoundRange emitted %v", evs)
	}
	if diff := cmp.Diff([]mailbox.UID{1}, tr.UIDs()); diff != "" {
		t.Errorf("failed FoundRange changed the cache (-want +got):\n%s", diff)
	}
}

func TestUnregister(t *testing.T) {
	reg := NewRegistry()
	a, b := new(recorder), new(recorder)
	ha := reg.Register(a)
	reg.Register(b)
	tr := New(inbox, 0, reg, nil)

	tr.Found(1, flags())
	reg.Unregister(ha)
	tr.Found(2, flags())

	if got := len(a.take()); got != 2 {
		t.Errorf("unregistered listener got %d events, want 2", got)
	}
	if got := len(b.take()); got != 4 {
		t.Errorf("listener got %d events, want 4", got)
	}
}

// Listeners must see each mailbox's events in the order the cache
// committed them, even under concurrent writers.
func TestConcurrentOrdering(t *testing.T) {
	var mu sync.Mutex
	var seen []mailbox.UID
	reg := NewRegistry()
	reg.Register(ListenerFunc(func(ev Event) {
		if ev.Kind == Added {
			mu.Lock()
			seen = append(seen, ev.UID)
			mu.Unlock()
		}
	}))
	tr := New(inbox, 0, reg, nil)

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		w := w
		g.Go(func() error {
			for i := 1; i <= 50; i++ {
				if err := tr.Found(mailbox.UID(i*4+w), flags()); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("Added events out of order: %d after %d", seen[i], seen[i-1])
		}
	}
}

func TestSeed(t *testing.T) {
	tr, rec := newTestTracker(t, 0)
	err := tr.Seed(map[mailbox.UID]mailbox.Flags{2: flags(`\Seen`), 5: nil})
	if err != nil {
		t.Fatal(err)
	}
	if evs := rec.take(); len(evs) != 0 {
		t.Errorf("Seed emitted %v", evs)
	}
	if got := tr.LastKnownUID(); got != 5 {
		t.Errorf("LastKnownUID()=%d, want 5", got)
	}

	// A rescan that agrees with the seed is silent.
	err = tr.FoundRange(msgrange.All(), map[mailbox.UID]mailbox.Flags{2: flags(`\Seen`), 5: flags()})
	if err != nil {
		t.Fatal(err)
	}
	if evs := rec.take(); len(evs) != 0 {
		t.Errorf("rescan after seed emitted %v", evs)
	}

	if err := tr.Seed(map[mailbox.UID]mailbox.Flags{0: nil}); !errors.Is(err, mailbox.ErrConflict) {
		t.Errorf("Seed(uid 0): err=%v, want conflict", err)
	}
}
