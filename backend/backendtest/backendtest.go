// Package backendtest is a conformance suite for storage backends.
//
// Every backend runs Tests. Each test gets a fresh, empty backend.
package backendtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mihaisoloi/james-mailbox-sub001/backend"
	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
	"github.com/mihaisoloi/james-mailbox-sub001/msgrange"
	"github.com/mihaisoloi/james-mailbox-sub001/seqgen"
)

type TestFn struct {
	Name string
	Fn   func(t *testing.T, b backend.Backend)
}

var Tests = []TestFn{
	{"Directory", TestDirectory},
	{"AppendScan", TestAppendScan},
	{"ScanRanges", TestScanRanges},
	{"SetFlags", TestSetFlags},
	{"Delete", TestDelete},
	{"Rename", TestRename},
	{"DeleteMailbox", TestDeleteMailbox},
	{"ConcurrentAppend", TestConcurrentAppend},
}

// Run runs Tests, each in parallel on a backend made by newBackend.
func Run(t *testing.T, newBackend func(t *testing.T) backend.Backend) {
	for _, test := range Tests {
		test := test
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()
			b := newBackend(t)
			defer func() {
				if err := b.Close(); err != nil {
					t.Errorf("Close: %v", err)
				}
			}()
			test.Fn(t, b)
		})
	}
}

var ctx = context.Background()

var date = time.Date(2019, time.March, 14, 9, 26, 53, 0, time.UTC)

// Msg builds a small RFC 5322 message.
func Msg(from, to, subject, body string) string {
	return strings.Join([]string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"Date: Thu, 14 Mar 2019 09:26:53 +0000",
		"",
		body,
	}, "\r\n")
}

func mustCreate(t *testing.T, b backend.Backend, path mailbox.Path) mailbox.Info {
	t.Helper()
	info, err := b.Create(ctx, path)
	if err != nil {
		t.Fatalf("Create(%s): %v", path, err)
	}
	return info
}

func mustAppend(t *testing.T, b backend.Backend, path mailbox.Path, content string, flags ...string) mailbox.UID {
	t.Helper()
	uid, err := b.Append(ctx, path, strings.NewReader(content), mailbox.NewFlags(flags...), date)
	if err != nil {
		t.Fatalf("Append(%s): %v", path, err)
	}
	return uid
}

func scan(t *testing.T, b backend.Backend, path mailbox.Path, r msgrange.Range, depth backend.FetchDepth) []mailbox.Message {
	t.Helper()
	var msgs []mailbox.Message
	err := b.Scan(ctx, path, r, depth, func(msg mailbox.Message) error {
		msgs = append(msgs, msg)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan(%s, %s): %v", path, r, err)
	}
	return msgs
}

func uidsOf(msgs []mailbox.Message) []mailbox.UID {
	uids := []mailbox.UID{}
	for _, msg := range msgs {
		uids = append(uids, msg.UID)
	}
	return uids
}

func wantClass(t *testing.T, what string, err, class error) {
	t.Helper()
	if !errors.Is(err, class) {
		t.Errorf("%s: err=%v, want %v", what, err, class)
	}
}

func TestDirectory(t *testing.T, b backend.Backend) {
	inbox := mailbox.NewPath("alice", "INBOX")
	info := mustCreate(t, b, inbox)
	if info.Path != inbox || info.ID == "" || info.UIDValidity == 0 {
		t.Errorf("Create(%s)=%+v, want path, ID and UIDValidity set", inbox, info)
	}
	if info.LastKnownUID != 0 || info.HighestModSeq != 0 || info.NumMessages != 0 {
		t.Errorf("new mailbox info %+v, want empty counters", info)
	}

	_, err := b.Create(ctx, inbox)
	wantClass(t, "Create existing", err, mailbox.ErrConflict)
	_, err = b.Create(ctx, mailbox.NewPath("alice", ""))
	wantClass(t, "Create empty name", err, mailbox.ErrConflict)
	_, err = b.Info(ctx, mailbox.NewPath("alice", "Nope"))
	wantClass(t, "Info missing", err, mailbox.ErrNotFound)

	mustCreate(t, b, mailbox.NewPath("alice", "Archive"))
	mustCreate(t, b, mailbox.NewPath("bob", "INBOX"))
	got, err := b.Info(ctx, inbox)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(info, got); diff != "" {
		t.Errorf("Info(%s) mismatch (-create +info):\n%s", inbox, diff)
	}

	infos, err := b.List(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, info := range infos {
		names = append(names, info.Path.Name)
	}
	if want := []string{"Archive", "INBOX"}; !cmp.Equal(names, want) {
		t.Errorf("List(alice)=%v, want %v", names, want)
	}
	if infos, err := b.List(ctx, "nobody"); err != nil || len(infos) != 0 {
		t.Errorf("List(nobody)=%v, %v; want empty", infos, err)
	}
}

func TestAppendScan(t *testing.T, b backend.Backend) {
	inbox := mailbox.NewPath("alice", "INBOX")
	mustCreate(t, b, inbox)

	contents := []string{
		Msg("bob@example.com", "alice@example.com", "one", "first body\r\n"),
		Msg("carol@example.com", "alice@example.com", "two", "second body\r\n"),
		Msg("dave@example.com", "alice@example.com", "three", ""),
	}
	for i, c := range contents {
		uid := mustAppend(t, b, inbox, c, `\seen`, "Work")
		if want := mailbox.UID(i + 1); uid != want {
			t.Errorf("Append #%d uid=%d, want %d", i, uid, want)
		}
	}

	info, err := b.Info(ctx, inbox)
	if err != nil {
		t.Fatal(err)
	}
	if info.LastKnownUID != 3 || info.NumMessages != 3 || info.HighestModSeq != 3 {
		t.Errorf("Info after 3 appends=%+v, want LastKnownUID=3 NumMessages=3 HighestModSeq=3", info)
	}
	if n, err := b.LoadCounter(ctx, inbox, seqgen.UIDCounter); err != nil || n != 3 {
		t.Errorf("LoadCounter(uid)=%d, %v; want 3", n, err)
	}

	meta := scan(t, b, inbox, msgrange.All(), backend.FetchMetadata)
	if len(meta) != 3 {
		t.Fatalf("metadata scan returned %d messages, want 3", len(meta))
	}
	for i, msg := range meta {
		if msg.UID != mailbox.UID(i+1) || msg.ModSeq != mailbox.ModSeq(i+1) {
			t.Errorf("msg %d: uid=%d modseq=%d, want %d, %d", i, msg.UID, msg.ModSeq, i+1, i+1)
		}
		if want := mailbox.NewFlags(`\Seen`, "Work"); !msg.Flags.Equal(want) {
			t.Errorf("msg %d flags=%v, want %v", i, msg.Flags, want)
		}
		if msg.Size != int64(len(contents[i])) {
			t.Errorf("msg %d size=%d, want %d", i, msg.Size, len(contents[i]))
		}
		if msg.InternalDate.Unix() != date.Unix() {
			t.Errorf("msg %d date=%v, want %v", i, msg.InternalDate, date)
		}
		if msg.Content != nil {
			t.Errorf("msg %d: metadata scan returned content", i)
		}
	}

	hdrs := scan(t, b, inbox, msgrange.One(2), backend.FetchHeaders)
	if len(hdrs) != 1 {
		t.Fatalf("header scan returned %d messages, want 1", len(hdrs))
	}
	wantHdr := contents[1][:strings.Index(contents[1], "\r\n\r\n")+4]
	if got := string(hdrs[0].Content); got != wantHdr {
		t.Errorf("header scan content=%q, want %q", got, wantHdr)
	}

	full := scan(t, b, inbox, msgrange.All(), backend.FetchFull)
	for i, msg := range full {
		if string(msg.Content) != contents[i] {
			t.Errorf("msg %d content=%q, want %q", i, msg.Content, contents[i])
		}
	}

	_, err = b.Append(ctx, mailbox.NewPath("alice", "Nope"), strings.NewReader(contents[0]), nil, date)
	wantClass(t, "Append to missing mailbox", err, mailbox.ErrNotFound)
}

func TestScanRanges(t *testing.T, b backend.Backend) {
	inbox := mailbox.NewPath("alice", "INBOX")
	mustCreate(t, b, inbox)
	for i := 1; i <= 7; i++ {
		mustAppend(t, b, inbox, Msg("bob@example.com", "alice@example.com", fmt.Sprint(i), "body"))
	}
	if err := b.Delete(ctx, inbox, 4); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		r    msgrange.Range
		want []mailbox.UID
	}{
		{msgrange.One(3), []mailbox.UID{3}},
		{msgrange.One(4), []mailbox.UID{}},
		{msgrange.Between(2, 5), []mailbox.UID{2, 3, 5}},
		{msgrange.From(5), []mailbox.UID{6, 7}},
		{msgrange.All(), []mailbox.UID{1, 2, 3, 5, 6, 7}},
		{msgrange.All().WithBatchSize(2), []mailbox.UID{1, 2, 3, 5, 6, 7}},
		{msgrange.Between(2, 7).WithBatchSize(4), []mailbox.UID{2, 3, 5, 6, 7}},
		{msgrange.From(0).WithBatchSize(1), []mailbox.UID{1, 2, 3, 5, 6, 7}},
		{msgrange.Between(8, 100), []mailbox.UID{}},
	}
	for _, test := range tests {
		got := uidsOf(scan(t, b, inbox, test.r, backend.FetchMetadata))
		if !cmp.Equal(got, test.want) {
			t.Errorf("Scan(%s, batch %d)=%v, want %v", test.r, test.r.BatchSize(), got, test.want)
		}
	}

	stop := errors.New("stop")
	n := 0
	err := b.Scan(ctx, inbox, msgrange.All().WithBatchSize(2), backend.FetchMetadata, func(mailbox.Message) error {
		n++
		if n == 3 {
			return stop
		}
		return nil
	})
	if err != stop || n != 3 {
		t.Errorf("Scan stopped by fn: err=%v after %d messages, want %v after 3", err, n, stop)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = b.Scan(cctx, inbox, msgrange.All(), backend.FetchMetadata, func(mailbox.Message) error { return nil })
	if err == nil {
		t.Error("Scan with canceled context succeeded")
	}

	err = b.Scan(ctx, mailbox.NewPath("alice", "Nope"), msgrange.All(), backend.FetchMetadata, func(mailbox.Message) error { return nil })
	wantClass(t, "Scan missing mailbox", err, mailbox.ErrNotFound)
}

func TestSetFlags(t *testing.T, b backend.Backend) {
	inbox := mailbox.NewPath("alice", "INBOX")
	mustCreate(t, b, inbox)
	uid := mustAppend(t, b, inbox, Msg("bob@example.com", "alice@example.com", "hi", "body"))
	mustAppend(t, b, inbox, Msg("bob@example.com", "alice@example.com", "again", "body"))

	modSeq, err := b.SetFlags(ctx, inbox, uid, mailbox.Flags{`\flagged`, "$Label1", `\Flagged`})
	if err != nil {
		t.Fatal(err)
	}
	if modSeq != 3 {
		t.Errorf("SetFlags modseq=%d, want 3", modSeq)
	}
	msgs := scan(t, b, inbox, msgrange.One(uid), backend.FetchMetadata)
	if len(msgs) != 1 {
		t.Fatalf("scan returned %d messages", len(msgs))
	}
	if want := mailbox.NewFlags("$Label1", `\Flagged`); !msgs[0].Flags.Equal(want) {
		t.Errorf("flags=%v, want %v", msgs[0].Flags, want)
	}
	if msgs[0].ModSeq != modSeq {
		t.Errorf("message modseq=%d, want %d", msgs[0].ModSeq, modSeq)
	}
	info, err := b.Info(ctx, inbox)
	if err != nil {
		t.Fatal(err)
	}
	if info.HighestModSeq != modSeq {
		t.Errorf("HighestModSeq=%d, want %d", info.HighestModSeq, modSeq)
	}

	_, err = b.SetFlags(ctx, inbox, 99, nil)
	wantClass(t, "SetFlags missing message", err, mailbox.ErrNotFound)
	if info2, _ := b.Info(ctx, inbox); info2.HighestModSeq != info.HighestModSeq {
		t.Errorf("failed SetFlags moved HighestModSeq %d -> %d", info.HighestModSeq, info2.HighestModSeq)
	}
}

func TestDelete(t *testing.T, b backend.Backend) {
	inbox := mailbox.NewPath("alice", "INBOX")
	mustCreate(t, b, inbox)
	for i := 0; i < 3; i++ {
		mustAppend(t, b, inbox, Msg("bob@example.com", "alice@example.com", "hi", "body"))
	}

	if err := b.Delete(ctx, inbox, 3); err != nil {
		t.Fatal(err)
	}
	wantClass(t, "second Delete", b.Delete(ctx, inbox, 3), mailbox.ErrNotFound)

	info, err := b.Info(ctx, inbox)
	if err != nil {
		t.Fatal(err)
	}
	if info.NumMessages != 2 || info.HighestModSeq != 4 || info.LastKnownUID != 3 {
		t.Errorf("Info after delete=%+v, want NumMessages=2 HighestModSeq=4 LastKnownUID=3", info)
	}

	// The UID of a deleted message is never reissued.
	if uid := mustAppend(t, b, inbox, Msg("bob@example.com", "alice@example.com", "hi", "body")); uid != 4 {
		t.Errorf("Append after delete uid=%d, want 4", uid)
	}
	if got, want := uidsOf(scan(t, b, inbox, msgrange.All(), backend.FetchMetadata)), []mailbox.UID{1, 2, 4}; !cmp.Equal(got, want) {
		t.Errorf("UIDs=%v, want %v", got, want)
	}
}

func TestRename(t *testing.T, b backend.Backend) {
	oldPath := mailbox.NewPath("alice", "Work")
	newPath := mailbox.NewPath("alice", "Archive")
	before := mustCreate(t, b, oldPath)
	mustAppend(t, b, oldPath, Msg("bob@example.com", "alice@example.com", "hi", "body"), `\Seen`)
	mustAppend(t, b, oldPath, Msg("bob@example.com", "alice@example.com", "hi", "body"))

	if err := b.Rename(ctx, oldPath, newPath); err != nil {
		t.Fatal(err)
	}
	_, err := b.Info(ctx, oldPath)
	wantClass(t, "Info of old path", err, mailbox.ErrNotFound)

	after, err := b.Info(ctx, newPath)
	if err != nil {
		t.Fatal(err)
	}
	if after.UIDValidity == before.UIDValidity {
		t.Errorf("UIDValidity unchanged by rename: %d", after.UIDValidity)
	}
	if after.LastKnownUID != 2 || after.NumMessages != 2 || after.Path != newPath {
		t.Errorf("Info after rename=%+v", after)
	}
	msgs := scan(t, b, newPath, msgrange.All(), backend.FetchMetadata)
	if got, want := uidsOf(msgs), []mailbox.UID{1, 2}; !cmp.Equal(got, want) {
		t.Errorf("UIDs after rename=%v, want %v", got, want)
	}
	if uid := mustAppend(t, b, newPath, Msg("bob@example.com", "alice@example.com", "hi", "body")); uid != 3 {
		t.Errorf("Append after rename uid=%d, want 3", uid)
	}

	mustCreate(t, b, oldPath)
	wantClass(t, "Rename onto existing", b.Rename(ctx, oldPath, newPath), mailbox.ErrConflict)
	wantClass(t, "Rename missing", b.Rename(ctx, mailbox.NewPath("alice", "Nope"), mailbox.NewPath("alice", "X")), mailbox.ErrNotFound)
}

func TestDeleteMailbox(t *testing.T, b backend.Backend) {
	path := mailbox.NewPath("alice", "Trash")
	before := mustCreate(t, b, path)
	mustAppend(t, b, path, Msg("bob@example.com", "alice@example.com", "hi", "body"))

	if err := b.DeleteMailbox(ctx, path); err != nil {
		t.Fatal(err)
	}
	_, err := b.Info(ctx, path)
	wantClass(t, "Info of deleted mailbox", err, mailbox.ErrNotFound)
	wantClass(t, "DeleteMailbox twice", b.DeleteMailbox(ctx, path), mailbox.ErrNotFound)
	_, err = b.SetFlags(ctx, path, 1, nil)
	wantClass(t, "SetFlags in deleted mailbox", err, mailbox.ErrNotFound)

	after := mustCreate(t, b, path)
	if after.UIDValidity == before.UIDValidity {
		t.Errorf("recreated mailbox reuses UIDValidity %d", after.UIDValidity)
	}
	if msgs := scan(t, b, path, msgrange.All(), backend.FetchMetadata); len(msgs) != 0 {
		t.Errorf("recreated mailbox has %d messages", len(msgs))
	}
}

func TestConcurrentAppend(t *testing.T, b backend.Backend) {
	inbox := mailbox.NewPath("alice", "INBOX")
	mustCreate(t, b, inbox)

	const workers, perWorker = 4, 10
	uids := make(chan mailbox.UID, workers*perWorker)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			for j := 0; j < perWorker; j++ {
				content := Msg("bob@example.com", "alice@example.com", fmt.Sprintf("%d-%d", i, j), "body")
				uid, err := b.Append(ctx, inbox, strings.NewReader(content), nil, date)
				if err != nil {
					return err
				}
				uids <- uid
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	close(uids)

	var got []mailbox.UID
	for uid := range uids {
		got = append(got, uid)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, uid := range got {
		if want := mailbox.UID(i + 1); uid != want {
			t.Fatalf("sorted UIDs[%d]=%d, want %d (duplicate or gap)", i, uid, want)
		}
	}
	if scanned := uidsOf(scan(t, b, inbox, msgrange.All(), backend.FetchMetadata)); !cmp.Equal(scanned, got) {
		t.Errorf("scanned UIDs=%v, want %v", scanned, got)
	}
}
