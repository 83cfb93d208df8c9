package mailstore

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/mihaisoloi/james-mailbox-sub001/backend"
	"github.com/mihaisoloi/james-mailbox-sub001/backend/memstore"
	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
	"github.com/mihaisoloi/james-mailbox-sub001/msgrange"
	"github.com/mihaisoloi/james-mailbox-sub001/search"
	"github.com/mihaisoloi/james-mailbox-sub001/tracker"
)

var ctx = context.Background()

var date = time.Date(2021, time.June, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu  sync.Mutex
	evs []tracker.Event
}

func (r *recorder) Event(ev tracker.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) take() []tracker.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := r.evs
	r.evs = nil
	return evs
}

// kinds summarizes events as "kind uid".
func kinds(evs []tracker.Event) []string {
	var out []string
	for _, ev := range evs {
		switch ev.Kind {
		case tracker.Added, tracker.Expunged, tracker.FlagsUpdated:
			out = append(out, ev.Kind.String()+" "+itoa(ev.UID))
		default:
			out = append(out, ev.Kind.String())
		}
	}
	return out
}

func itoa(uid mailbox.UID) string { return msgrange.One(uid).String() }

func msg(subject string) *strings.Reader {
	return strings.NewReader("From: bob@example.com\r\nSubject: " + subject + "\r\n\r\nbody\r\n")
}

func newTestStore(t *testing.T, b backend.Backend) (*Store, *recorder) {
	rec := new(recorder)
	s := New(b, Options{Log: zaptest.NewLogger(t), BatchSize: 2})
	s.Registry().Register(rec)
	return s, rec
}

func newBackend(t *testing.T) backend.Backend {
	b := memstore.New(nil, nil, zaptest.NewLogger(t))
	t.Cleanup(func() { b.Close() })
	return b
}

func mustCreate(t *testing.T, s *Store, path mailbox.Path) {
	t.Helper()
	if _, err := s.Create(ctx, path); err != nil {
		t.Fatal(err)
	}
}

func TestAppend(t *testing.T) {
	s, rec := newTestStore(t, newBackend(t))
	inbox := mailbox.NewPath("alice", "INBOX")
	mustCreate(t, s, inbox)

	uid, err := s.Append(ctx, inbox, msg("hi"), mailbox.Flags{`\seen`}, date)
	if err != nil {
		t.Fatal(err)
	}
	if uid != 1 {
		t.Errorf("uid=%d, want 1", uid)
	}
	want := []tracker.Event{
		{Kind: tracker.FlagsUpdated, Path: inbox, UID: 1, NewFlags: mailbox.NewFlags(`\Seen`)},
		{Kind: tracker.Added, Path: inbox, UID: 1},
	}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	_, err = s.Append(ctx, mailbox.NewPath("alice", "Nope"), msg("hi"), nil, date)
	if !errors.Is(err, mailbox.ErrNotFound) {
		t.Errorf("Append to missing mailbox: err=%v, want not found", err)
	}
}

func TestOpenIsSilent(t *testing.T) {
	b := newBackend(t)
	s, rec := newTestStore(t, b)
	inbox := mailbox.NewPath("alice", "INBOX")
	mustCreate(t, s, inbox)
	for i := 0; i < 3; i++ {
		if _, err := b.Append(ctx, inbox, msg("old"), nil, date); err != nil {
			t.Fatal(err)
		}
	}

	tr, err := s.Tracker(ctx, inbox)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Len() != 3 || tr.LastKnownUID() != 3 {
		t.Errorf("tracker len=%d last=%d, want 3, 3", tr.Len(), tr.LastKnownUID())
	}
	if evs := rec.take(); len(evs) != 0 {
		t.Errorf("opening emitted %v", kinds(evs))
	}
	if err := s.Rescan(ctx, inbox, msgrange.All()); err != nil {
		t.Fatal(err)
	}
	if evs := rec.take(); len(evs) != 0 {
		t.Errorf("rescan of unchanged mailbox emitted %v", kinds(evs))
	}
}

// pausingBackend stalls the first armed call after it reaches the
// backend, until release is closed.
type pausingBackend struct {
	backend.Backend

	mu      sync.Mutex
	armed   string // "append" or "scan"
	paused  chan struct{}
	release chan struct{}
}

func newPausingBackend(b backend.Backend) *pausingBackend {
	return &pausingBackend{
		Backend: b,
		paused:  make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *pausingBackend) arm(op string) {
	b.mu.Lock()
	b.armed = op
	b.mu.Unlock()
}

func (b *pausingBackend) pause(op string) {
	b.mu.Lock()
	hit := b.armed == op
	if hit {
		b.armed = ""
	}
	b.mu.Unlock()
	if hit {
		close(b.paused)
		<-b.release
	}
}

func (b *pausingBackend) Append(ctx context.Context, path mailbox.Path, content io.Reader, flags mailbox.Flags, date time.Time) (mailbox.UID, error) {
	uid, err := b.Backend.Append(ctx, path, content, flags, date)
	b.pause("append")
	return uid, err
}

func (b *pausingBackend) Scan(ctx context.Context, path mailbox.Path, r msgrange.Range, depth backend.FetchDepth, fn func(mailbox.Message) error) error {
	err := b.Backend.Scan(ctx, path, r, depth, fn)
	b.pause("scan")
	return err
}

func TestConcurrentAppend(t *testing.T) {
	b := newPausingBackend(newBackend(t))
	s, rec := newTestStore(t, b)
	inbox := mailbox.NewPath("alice", "INBOX")
	mustCreate(t, s, inbox)
	if _, err := s.Tracker(ctx, inbox); err != nil {
		t.Fatal(err)
	}
	b.arm("append")

	var grp errgroup.Group
	grp.Go(func() error {
		_, err := s.Append(ctx, inbox, msg("first"), nil, date)
		return err
	})
	<-b.paused // uid 1 is stored but not yet reported
	grp.Go(func() error {
		_, err := s.Append(ctx, inbox, msg("second"), nil, date)
		return err
	})
	time.Sleep(20 * time.Millisecond)
	close(b.release)
	if err := grp.Wait(); err != nil {
		t.Fatal(err)
	}

	var added []string
	for _, k := range kinds(rec.take()) {
		if strings.HasPrefix(k, "added") {
			added = append(added, k)
		}
	}
	if want := []string{"added 1", "added 2"}; !cmp.Equal(added, want) {
		t.Errorf("added events=%v, want %v", added, want)
	}
}

func TestRescanDuringExpunge(t *testing.T) {
	b := newPausingBackend(newBackend(t))
	s, rec := newTestStore(t, b)
	inbox := mailbox.NewPath("alice", "INBOX")
	mustCreate(t, s, inbox)
	if _, err := s.Append(ctx, inbox, msg("x"), mailbox.Flags{`\Deleted`}, date); err != nil {
		t.Fatal(err)
	}
	rec.take()
	b.arm("scan")

	var grp errgroup.Group
	grp.Go(func() error { return s.Rescan(ctx, inbox, msgrange.All()) })
	<-b.paused // the rescan has observed uid 1
	grp.Go(func() error {
		_, err := s.Expunge(ctx, inbox, msgrange.All())
		return err
	})
	time.Sleep(20 * time.Millisecond)
	close(b.release)
	if err := grp.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := s.Rescan(ctx, inbox, msgrange.All()); err != nil {
		t.Fatal(err)
	}

	if got, want := kinds(rec.take()), []string{"expunged 1"}; !cmp.Equal(got, want) {
		t.Errorf("events=%v, want %v", got, want)
	}
	tr, _ := s.Tracker(ctx, inbox)
	if tr.Len() != 0 {
		t.Errorf("tracker holds %v after expunge", tr.UIDs())
	}
}

func TestSetFlags(t *testing.T) {
	s, rec := newTestStore(t, newBackend(t))
	inbox := mailbox.NewPath("alice", "INBOX")
	mustCreate(t, s, inbox)
	for _, flags := range []mailbox.Flags{nil, {`\Seen`}, {`\Flagged`}} {
		if _, err := s.Append(ctx, inbox, msg("x"), flags, date); err != nil {
			t.Fatal(err)
		}
	}
	rec.take()

	modSeqs, err := s.SetFlags(ctx, inbox, msgrange.All(), AddFlags, mailbox.Flags{`\Seen`})
	if err != nil {
		t.Fatal(err)
	}
	if want := map[mailbox.UID]mailbox.ModSeq{1: 4, 3: 5}; !cmp.Equal(modSeqs, want) {
		t.Errorf("modseqs=%v, want %v", modSeqs, want)
	}
	want := []tracker.Event{
		{Kind: tracker.FlagsUpdated, Path: inbox, UID: 1, OldFlags: mailbox.Flags{}, OldKnown: true, NewFlags: mailbox.NewFlags(`\Seen`)},
		{Kind: tracker.FlagsUpdated, Path: inbox, UID: 3, OldFlags: mailbox.NewFlags(`\Flagged`), OldKnown: true, NewFlags: mailbox.NewFlags(`\Flagged`, `\Seen`)},
	}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.SetFlags(ctx, inbox, msgrange.One(3), RemoveFlags, mailbox.Flags{`\Flagged`}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetFlags(ctx, inbox, msgrange.One(2), ReplaceFlags, mailbox.Flags{"$Work"}); err != nil {
		t.Fatal(err)
	}
	if got, want := kinds(rec.take()), []string{"flags_updated 3", "flags_updated 2"}; !cmp.Equal(got, want) {
		t.Errorf("events=%v, want %v", got, want)
	}
	tr, _ := s.Tracker(ctx, inbox)
	if flags, _ := tr.Flags(2); !flags.Equal(mailbox.NewFlags("$Work")) {
		t.Errorf("cached flags of 2 = %v", flags)
	}
}

func TestExpunge(t *testing.T) {
	s, rec := newTestStore(t, newBackend(t))
	inbox := mailbox.NewPath("alice", "INBOX")
	mustCreate(t, s, inbox)
	for _, flags := range []mailbox.Flags{{`\Deleted`}, nil, {`\Deleted`, `\Seen`}, {`\Deleted`}} {
		if _, err := s.Append(ctx, inbox, msg("x"), flags, date); err != nil {
			t.Fatal(err)
		}
	}
	rec.take()

	expunged, err := s.Expunge(ctx, inbox, msgrange.Between(1, 3))
	if err != nil {
		t.Fatal(err)
	}
	if want := []mailbox.UID{1, 3}; !cmp.Equal(expunged, want) {
		t.Errorf("expunged %v, want %v", expunged, want)
	}
	if got, want := kinds(rec.take()), []string{"expunged 1", "expunged 3"}; !cmp.Equal(got, want) {
		t.Errorf("events=%v, want %v", got, want)
	}
	tr, _ := s.Tracker(ctx, inbox)
	if got, want := tr.UIDs(), []mailbox.UID{2, 4}; !cmp.Equal(got, want) {
		t.Errorf("tracked UIDs=%v, want %v", got, want)
	}
}

func TestCopy(t *testing.T) {
	s, rec := newTestStore(t, newBackend(t))
	inbox := mailbox.NewPath("alice", "INBOX")
	archive := mailbox.NewPath("alice", "Archive")
	mustCreate(t, s, inbox)
	mustCreate(t, s, archive)
	for _, subject := range []string{"a", "b", "c"} {
		if _, err := s.Append(ctx, inbox, msg(subject), mailbox.Flags{`\Seen`}, date); err != nil {
			t.Fatal(err)
		}
	}
	rec.take()

	uids, err := s.Copy(ctx, inbox, archive, msgrange.From(1))
	if err != nil {
		t.Fatal(err)
	}
	if want := []mailbox.UID{1, 2}; !cmp.Equal(uids, want) {
		t.Errorf("copied UIDs=%v, want %v", uids, want)
	}
	if got, want := kinds(rec.take()), []string{"flags_updated 1", "added 1", "flags_updated 2", "added 2"}; !cmp.Equal(got, want) {
		t.Errorf("events=%v, want %v", got, want)
	}

	var copied []mailbox.Message
	err = s.Fetch(ctx, archive, msgrange.All(), backend.FetchFull, func(m mailbox.Message) error {
		copied = append(copied, m)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(copied) != 2 || !strings.Contains(string(copied[0].Content), "Subject: b") || !copied[1].Flags.Has(`\Seen`) {
		t.Errorf("copied messages: %+v", copied)
	}

	// Copying a mailbox onto itself copies only what was there.
	uids, err = s.Copy(ctx, inbox, inbox, msgrange.All())
	if err != nil {
		t.Fatal(err)
	}
	if want := []mailbox.UID{4, 5, 6}; !cmp.Equal(uids, want) {
		t.Errorf("self copy UIDs=%v, want %v", uids, want)
	}
}

// TestRescan changes a mailbox behind the Store's back, the way another
// process sharing the backend would.
func TestRescan(t *testing.T) {
	b := newBackend(t)
	s, rec := newTestStore(t, b)
	inbox := mailbox.NewPath("alice", "INBOX")
	mustCreate(t, s, inbox)
	for i := 0; i < 4; i++ {
		if _, err := s.Append(ctx, inbox, msg("x"), nil, date); err != nil {
			t.Fatal(err)
		}
	}
	rec.take()

	if _, err := b.SetFlags(ctx, inbox, 2, mailbox.NewFlags(`\Answered`)); err != nil {
		t.Fatal(err)
	}
	if err := b.Delete(ctx, inbox, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Append(ctx, inbox, msg("new"), nil, date); err != nil {
		t.Fatal(err)
	}

	// A partial rescan only speaks for its range.
	if err := s.Rescan(ctx, inbox, msgrange.One(2)); err != nil {
		t.Fatal(err)
	}
	if got, want := kinds(rec.take()), []string{"flags_updated 2"}; !cmp.Equal(got, want) {
		t.Errorf("partial rescan events=%v, want %v", got, want)
	}

	if err := s.Rescan(ctx, inbox, msgrange.All()); err != nil {
		t.Fatal(err)
	}
	if got, want := kinds(rec.take()), []string{"flags_updated 5", "added 5", "expunged 3"}; !cmp.Equal(got, want) {
		t.Errorf("full rescan events=%v, want %v", got, want)
	}
}

func TestRescanUIDValidity(t *testing.T) {
	b := newBackend(t)
	s, rec := newTestStore(t, b)
	inbox := mailbox.NewPath("alice", "INBOX")
	mustCreate(t, s, inbox)
	if _, err := s.Append(ctx, inbox, msg("x"), nil, date); err != nil {
		t.Fatal(err)
	}
	rec.take()

	// Recreated underneath: same name, new UID sequence.
	if err := b.DeleteMailbox(ctx, inbox); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Create(ctx, inbox); err != nil {
		t.Fatal(err)
	}
	err := s.Rescan(ctx, inbox, msgrange.All())
	if !errors.Is(err, mailbox.ErrConflict) {
		t.Fatalf("Rescan after recreate: err=%v, want conflict", err)
	}
	if err := s.Rescan(ctx, inbox, msgrange.All()); err != nil {
		t.Fatalf("second Rescan: %v", err)
	}
	tr, _ := s.Tracker(ctx, inbox)
	if tr.Len() != 0 {
		t.Errorf("tracker of recreated mailbox holds %v", tr.UIDs())
	}

	if err := b.DeleteMailbox(ctx, inbox); err != nil {
		t.Fatal(err)
	}
	rec.take()
	err = s.Rescan(ctx, inbox, msgrange.All())
	if !errors.Is(err, mailbox.ErrNotFound) {
		t.Errorf("Rescan of deleted mailbox: err=%v, want not found", err)
	}
	if got, want := kinds(rec.take()), []string{"mailbox_deleted"}; !cmp.Equal(got, want) {
		t.Errorf("events=%v, want %v", got, want)
	}
}

func TestRescanVanishedAfterTrackerDeleted(t *testing.T) {
	b := newBackend(t)
	core, logs := observer.New(zap.WarnLevel)
	s := New(b, Options{Log: zap.New(core)})
	inbox := mailbox.NewPath("alice", "INBOX")
	mustCreate(t, s, inbox)
	tr, err := s.Tracker(ctx, inbox)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Deleted(); err != nil {
		t.Fatal(err)
	}
	if err := b.DeleteMailbox(ctx, inbox); err != nil {
		t.Fatal(err)
	}

	err = s.Rescan(ctx, inbox, msgrange.All())
	if !errors.Is(err, mailbox.ErrNotFound) {
		t.Errorf("Rescan: err=%v, want not found", err)
	}
	warned := logs.FilterMessage("dropping tracker of vanished mailbox").All()
	if len(warned) != 1 {
		t.Fatalf("got %d warnings, want 1: %v", len(warned), logs.All())
	}
	if _, ok := warned[0].ContextMap()["error"]; !ok {
		t.Errorf("warning has no error field: %v", warned[0].ContextMap())
	}
}

func TestRenameDelete(t *testing.T) {
	s, rec := newTestStore(t, newBackend(t))
	work := mailbox.NewPath("alice", "Work")
	old := mailbox.NewPath("alice", "Old")
	mustCreate(t, s, work)
	if _, err := s.Append(ctx, work, msg("x"), nil, date); err != nil {
		t.Fatal(err)
	}
	rec.take()

	if err := s.Rename(ctx, work, old); err != nil {
		t.Fatal(err)
	}
	want := []tracker.Event{{Kind: tracker.MailboxRenamed, Path: old, OldPath: work}}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Errorf("rename events mismatch (-want +got):\n%s", diff)
	}
	// The renamed mailbox rescans cleanly under its new UID validity.
	if err := s.Rescan(ctx, old, msgrange.All()); err != nil {
		t.Fatal(err)
	}
	if uid, err := s.Append(ctx, old, msg("y"), nil, date); err != nil || uid != 2 {
		t.Errorf("Append after rename: uid=%d err=%v, want 2", uid, err)
	}
	rec.take()

	if err := s.DeleteMailbox(ctx, old); err != nil {
		t.Fatal(err)
	}
	want = []tracker.Event{{Kind: tracker.MailboxDeleted, Path: old}}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Errorf("delete events mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.Tracker(ctx, old); !errors.Is(err, mailbox.ErrNotFound) {
		t.Errorf("Tracker of deleted mailbox: err=%v, want not found", err)
	}
}

func TestSearch(t *testing.T) {
	s, _ := newTestStore(t, newBackend(t))
	inbox := mailbox.NewPath("alice", "INBOX")
	mustCreate(t, s, inbox)
	for _, subject := range []string{"lunch", "report", "lunch again"} {
		if _, err := s.Append(ctx, inbox, msg(subject), nil, date); err != nil {
			t.Fatal(err)
		}
	}
	res, err := s.Search(ctx, inbox, search.Query{
		Criteria: []search.Criterion{search.HeaderCriterion{Name: "Subject", Value: "lunch"}},
		Sort:     []search.Comparator{search.Reverse(search.ByUID)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := res.UIDs(), []mailbox.UID{3, 1}; !cmp.Equal(got, want) {
		t.Errorf("search=%v, want %v", got, want)
	}
}
