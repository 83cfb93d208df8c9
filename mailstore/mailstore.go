// Package mailstore runs mailbox operations through a storage backend
// and keeps a change tracker per mailbox in step with them.
//
// Writes made through a Store are reported to its trackers directly.
// Writes made by anyone else sharing the backend are found by Rescan.
package mailstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mihaisoloi/james-mailbox-sub001/backend"
	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
	"github.com/mihaisoloi/james-mailbox-sub001/msgrange"
	"github.com/mihaisoloi/james-mailbox-sub001/search"
	"github.com/mihaisoloi/james-mailbox-sub001/tracker"
)

type Options struct {
	Registry *tracker.Registry // nil means a new registry
	Index    search.Index      // nil means scan-only search
	Log      *zap.Logger

	// BatchSize bounds backend scans. Zero means 100.
	BatchSize int
}

type Store struct {
	backend  backend.Backend
	registry *tracker.Registry
	searcher *search.Searcher
	log      *zap.Logger
	batch    int

	mu    sync.Mutex
	boxes map[string]*openBox // path.Key() -> open mailbox
}

type openBox struct {
	// mu is held from a backend write until the tracker has been told
	// about it, so reports for one mailbox reach the tracker in the
	// order the backend applied them.
	mu sync.Mutex

	tracker     *tracker.Tracker
	uidValidity uint32
}

func New(b backend.Backend, opts Options) *Store {
	if opts.Registry == nil {
		opts.Registry = tracker.NewRegistry()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	engine := search.NewEngine(b, opts.Log)
	engine.BatchSize = opts.BatchSize
	return &Store{
		backend:  b,
		registry: opts.Registry,
		searcher: &search.Searcher{Index: opts.Index, Engine: engine},
		log:      opts.Log.Named("mailstore"),
		batch:    opts.BatchSize,
		boxes:    make(map[string]*openBox),
	}
}

func (s *Store) Backend() backend.Backend { return s.backend }

func (s *Store) Registry() *tracker.Registry { return s.registry }

func (s *Store) Close() error { return s.backend.Close() }

// Tracker returns the change tracker of the mailbox at path.
//
// The first call for a path seeds the tracker with a metadata scan of
// the mailbox. Messages present at that point produce no events.
func (s *Store) Tracker(ctx context.Context, path mailbox.Path) (*tracker.Tracker, error) {
	box, err := s.open(ctx, path)
	if err != nil {
		return nil, err
	}
	return box.tracker, nil
}

func (s *Store) open(ctx context.Context, path mailbox.Path) (*openBox, error) {
	s.mu.Lock()
	box := s.boxes[path.Key()]
	s.mu.Unlock()
	if box != nil {
		return box, nil
	}

	info, err := s.backend.Info(ctx, path)
	if err != nil {
		return nil, err
	}
	known := make(map[mailbox.UID]mailbox.Flags)
	err = s.backend.Scan(ctx, path, msgrange.All().WithBatchSize(s.batch), backend.FetchMetadata, func(msg mailbox.Message) error {
		known[msg.UID] = msg.Flags
		return nil
	})
	if err != nil {
		return nil, err
	}
	tr := tracker.New(path, info.LastKnownUID, s.registry, s.log)
	if err := tr.Seed(known); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.boxes[path.Key()]; existing != nil {
		return existing, nil // lost a race to another opener
	}
	box = &openBox{tracker: tr, uidValidity: info.UIDValidity}
	s.boxes[path.Key()] = box
	s.log.Debug("opened mailbox", zap.Stringer("mailbox", path), zap.Int("messages", len(known)))
	return box, nil
}

func (s *Store) forget(path mailbox.Path) {
	s.mu.Lock()
	delete(s.boxes, path.Key())
	s.mu.Unlock()
}

func (s *Store) Create(ctx context.Context, path mailbox.Path) (mailbox.Info, error) {
	return s.backend.Create(ctx, path)
}

func (s *Store) Info(ctx context.Context, path mailbox.Path) (mailbox.Info, error) {
	return s.backend.Info(ctx, path)
}

func (s *Store) List(ctx context.Context, owner string) ([]mailbox.Info, error) {
	return s.backend.List(ctx, owner)
}

// Fetch scans the messages of r at depth.
func (s *Store) Fetch(ctx context.Context, path mailbox.Path, r msgrange.Range, depth backend.FetchDepth, fn func(mailbox.Message) error) error {
	if r.BatchSize() == 0 {
		r = r.WithBatchSize(s.batch)
	}
	return s.backend.Scan(ctx, path, r, depth, fn)
}

// Append stores a new message and reports it to the mailbox tracker.
func (s *Store) Append(ctx context.Context, path mailbox.Path, content io.Reader, flags mailbox.Flags, date time.Time) (mailbox.UID, error) {
	box, err := s.open(ctx, path)
	if err != nil {
		return 0, err
	}
	flags = mailbox.NewFlags(flags...)
	box.mu.Lock()
	defer box.mu.Unlock()
	uid, err := s.backend.Append(ctx, path, content, flags, date)
	if err != nil {
		return 0, err
	}
	if err := box.tracker.Found(uid, flags); err != nil {
		return 0, err
	}
	return uid, nil
}

type FlagOp int

const (
	ReplaceFlags FlagOp = iota
	AddFlags
	RemoveFlags
)

// SetFlags changes the flags of every message in r and returns the
// new mod-sequence of each changed message.
// Messages whose flags would not change are left alone.
func (s *Store) SetFlags(ctx context.Context, path mailbox.Path, r msgrange.Range, op FlagOp, flags mailbox.Flags) (modSeqs map[mailbox.UID]mailbox.ModSeq, err error) {
	box, err := s.open(ctx, path)
	if err != nil {
		return nil, err
	}
	box.mu.Lock()
	defer box.mu.Unlock()

	original := make(map[mailbox.UID]mailbox.Flags)
	err = s.Fetch(ctx, path, r, backend.FetchMetadata, func(msg mailbox.Message) error {
		original[msg.UID] = msg.Flags
		return nil
	})
	if err != nil {
		return nil, err
	}

	modSeqs = make(map[mailbox.UID]mailbox.ModSeq)
	updated := make(map[mailbox.UID]mailbox.Flags)
	defer func() {
		// Report what reached the backend even if a later message failed.
		if terr := box.tracker.FlagsUpdated(updated, original); terr != nil && err == nil {
			err = terr
		}
	}()
	for _, uid := range sortedUIDs(original) {
		old := original[uid]
		var next mailbox.Flags
		switch op {
		case AddFlags:
			next = old.With(flags...)
		case RemoveFlags:
			next = old.Without(flags...)
		default:
			next = mailbox.NewFlags(flags...)
		}
		if next.Equal(old) {
			continue
		}
		modSeq, err := s.backend.SetFlags(ctx, path, uid, next)
		if err != nil {
			return nil, errors.Wrapf(err, "mailstore.SetFlags(%s, %d)", path, uid)
		}
		modSeqs[uid] = modSeq
		updated[uid] = next
	}
	return modSeqs, nil
}

// Expunge removes the messages of r flagged \Deleted.
func (s *Store) Expunge(ctx context.Context, path mailbox.Path, r msgrange.Range) (expunged []mailbox.UID, err error) {
	box, err := s.open(ctx, path)
	if err != nil {
		return nil, err
	}
	box.mu.Lock()
	defer box.mu.Unlock()

	var doomed []mailbox.UID
	err = s.Fetch(ctx, path, r, backend.FetchMetadata, func(msg mailbox.Message) error {
		if msg.Flags.Has(`\Deleted`) {
			doomed = append(doomed, msg.UID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	defer func() {
		if len(expunged) == 0 {
			return
		}
		if terr := box.tracker.Expunged(expunged); terr != nil && err == nil {
			err = terr
		}
	}()
	for _, uid := range doomed {
		if err := s.backend.Delete(ctx, path, uid); err != nil {
			if errors.Is(err, mailbox.ErrNotFound) {
				continue // already gone; a rescan reports it
			}
			return expunged, errors.Wrapf(err, "mailstore.Expunge(%s, %d)", path, uid)
		}
		expunged = append(expunged, uid)
	}
	return expunged, nil
}

// Copy appends a copy of every message of r in src to dst, keeping
// flags and internal dates. It returns the new UIDs in source order.
// Messages appended to src while copying are not copied.
func (s *Store) Copy(ctx context.Context, src, dst mailbox.Path, r msgrange.Range) (uids []mailbox.UID, err error) {
	dstBox, err := s.open(ctx, dst)
	if err != nil {
		return nil, err
	}

	var srcUIDs []mailbox.UID
	err = s.Fetch(ctx, src, r, backend.FetchMetadata, func(msg mailbox.Message) error {
		srcUIDs = append(srcUIDs, msg.UID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, srcUID := range srcUIDs {
		var msg *mailbox.Message
		err := s.backend.Scan(ctx, src, msgrange.One(srcUID), backend.FetchFull, func(m mailbox.Message) error {
			msg = &m
			return nil
		})
		if err != nil {
			return uids, errors.Wrapf(err, "mailstore.Copy(%s, %s)", src, dst)
		}
		if msg == nil {
			continue // expunged since listed
		}
		uid, err := s.copyOne(ctx, dstBox, src, dst, msg)
		if err != nil {
			return uids, err
		}
		uids = append(uids, uid)
	}
	return uids, nil
}

func (s *Store) copyOne(ctx context.Context, dstBox *openBox, src, dst mailbox.Path, msg *mailbox.Message) (mailbox.UID, error) {
	dstBox.mu.Lock()
	defer dstBox.mu.Unlock()
	uid, err := s.backend.Append(ctx, dst, bytes.NewReader(msg.Content), msg.Flags, msg.InternalDate)
	if err != nil {
		return 0, errors.Wrapf(err, "mailstore.Copy(%s, %s)", src, dst)
	}
	if err := dstBox.tracker.Found(uid, msg.Flags); err != nil {
		return 0, err
	}
	return uid, nil
}

// Rescan compares the messages of r in the backend with the tracker
// and emits events for whatever changed behind the Store's back.
//
// If the UID validity changed, the tracker is dropped and Rescan
// fails with mailbox.ErrConflict; the next call starts over.
func (s *Store) Rescan(ctx context.Context, path mailbox.Path, r msgrange.Range) error {
	box, err := s.open(ctx, path)
	if err != nil {
		return err
	}
	box.mu.Lock()
	defer box.mu.Unlock()

	info, err := s.backend.Info(ctx, path)
	if err != nil {
		if errors.Is(err, mailbox.ErrNotFound) {
			s.forget(path)
			if derr := box.tracker.Deleted(); derr != nil {
				s.log.Warn("dropping tracker of vanished mailbox", zap.Stringer("mailbox", path), zap.Error(derr))
			}
		}
		return err
	}
	if info.UIDValidity != box.uidValidity {
		s.forget(path)
		return mailbox.Conflictf("mailstore.Rescan(%s): uid validity %d, was %d", path, info.UIDValidity, box.uidValidity)
	}

	observed := make(map[mailbox.UID]mailbox.Flags)
	err = s.Fetch(ctx, path, r, backend.FetchMetadata, func(msg mailbox.Message) error {
		observed[msg.UID] = msg.Flags
		return nil
	})
	if err != nil {
		return err
	}
	return box.tracker.FoundRange(r, observed)
}

func (s *Store) Search(ctx context.Context, path mailbox.Path, q search.Query) (*search.Results, error) {
	return s.searcher.Search(ctx, path, q)
}

// Rename renames a mailbox. The tracker follows it to the new path.
func (s *Store) Rename(ctx context.Context, oldPath, newPath mailbox.Path) error {
	if err := s.backend.Rename(ctx, oldPath, newPath); err != nil {
		return err
	}
	info, err := s.backend.Info(ctx, newPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	box := s.boxes[oldPath.Key()]
	if box != nil {
		delete(s.boxes, oldPath.Key())
		box.uidValidity = info.UIDValidity
		s.boxes[newPath.Key()] = box
	}
	s.mu.Unlock()

	if box != nil {
		return box.tracker.Renamed(newPath)
	}
	return nil
}

// DeleteMailbox deletes a mailbox and all its messages.
func (s *Store) DeleteMailbox(ctx context.Context, path mailbox.Path) error {
	if err := s.backend.DeleteMailbox(ctx, path); err != nil {
		return err
	}
	s.mu.Lock()
	box := s.boxes[path.Key()]
	delete(s.boxes, path.Key())
	s.mu.Unlock()

	if box != nil {
		return box.tracker.Deleted()
	}
	return nil
}

func sortedUIDs(m map[mailbox.UID]mailbox.Flags) []mailbox.UID {
	uids := make([]mailbox.UID, 0, len(m))
	for uid := range m {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}
