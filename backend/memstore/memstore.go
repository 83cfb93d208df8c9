// Package memstore is an in-memory storage backend.
//
// Message content lives in iox buffer files, so large messages spill
// to disk the way they do in the SQLite backend. Nothing survives Close.
package memstore

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"crawshaw.io/iox"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mihaisoloi/james-mailbox-sub001/backend"
	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
	"github.com/mihaisoloi/james-mailbox-sub001/msgrange"
	"github.com/mihaisoloi/james-mailbox-sub001/seqgen"
)

var errClosed = errors.New("memstore: closed")

type MemoryStore struct {
	Filer *iox.Filer

	seq *seqgen.Sequencer
	log *zap.Logger

	mu              sync.Mutex // guards mailboxes map, not the contents of *memoryMailbox
	mailboxes       map[string]*memoryMailbox
	uidValidityNext uint32
	closed          bool
}

var _ backend.Backend = (*MemoryStore)(nil)

// New creates an empty MemoryStore.
// A nil locker uses the process-wide seqgen.Local locker.
func New(filer *iox.Filer, locker seqgen.Locker, log *zap.Logger) *MemoryStore {
	if filer == nil {
		filer = iox.NewFiler(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &MemoryStore{
		Filer:           filer,
		log:             log.Named("memstore"),
		mailboxes:       make(map[string]*memoryMailbox),
		uidValidityNext: 500000,
	}
	s.seq = seqgen.New(s, locker, s.log)
	return s
}

type memoryMailbox struct {
	id string

	mu          sync.Mutex
	path        mailbox.Path
	uidValidity uint32
	lastUID     uint64
	modSeq      uint64
	msgs        []*memoryMsg // ascending UID
}

type memoryMsg struct {
	uid     mailbox.UID
	modSeq  mailbox.ModSeq
	flags   mailbox.Flags
	date    time.Time
	content *iox.BufferFile
	hdrLen  int64
}

func (s *MemoryStore) Sequences() seqgen.Provider { return s.seq }

func (s *MemoryStore) mailbox(path mailbox.Path) (*memoryMailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, mailbox.Backendf(errClosed, "memstore(%s)", path)
	}
	m := s.mailboxes[path.Key()]
	if m == nil {
		return nil, mailbox.NotFoundf("memstore: no mailbox %s", path)
	}
	return m, nil
}

func (s *MemoryStore) LoadCounter(ctx context.Context, path mailbox.Path, kind seqgen.Kind) (uint64, error) {
	m, err := s.mailbox(path)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == seqgen.UIDCounter {
		return m.lastUID, nil
	}
	return m.modSeq, nil
}

func (s *MemoryStore) StoreCounter(ctx context.Context, path mailbox.Path, kind seqgen.Kind, value uint64) error {
	m, err := s.mailbox(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == seqgen.UIDCounter {
		m.lastUID = value
	} else {
		m.modSeq = value
	}
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, path mailbox.Path) (mailbox.Info, error) {
	if err := path.Valid(); err != nil {
		return mailbox.Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mailboxes[path.Key()] != nil {
		return mailbox.Info{}, mailbox.Conflictf("memstore: mailbox %s exists", path)
	}
	m := &memoryMailbox{
		id:          uuid.New().String(),
		path:        path,
		uidValidity: s.uidValidityNext,
	}
	s.uidValidityNext++
	s.mailboxes[path.Key()] = m
	s.log.Debug("created mailbox", zap.Stringer("mailbox", path), zap.String("id", m.id))
	return m.info(), nil
}

func (s *MemoryStore) Info(ctx context.Context, path mailbox.Path) (mailbox.Info, error) {
	m, err := s.mailbox(path)
	if err != nil {
		return mailbox.Info{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info(), nil
}

// info reports the mailbox state. m.mu must be held, or m unpublished.
func (m *memoryMailbox) info() mailbox.Info {
	return mailbox.Info{
		Path:          m.path,
		ID:            m.id,
		UIDValidity:   m.uidValidity,
		LastKnownUID:  mailbox.UID(m.lastUID),
		HighestModSeq: mailbox.ModSeq(m.modSeq),
		NumMessages:   uint32(len(m.msgs)),
	}
}

func (s *MemoryStore) List(ctx context.Context, owner string) (infos []mailbox.Info, err error) {
	s.mu.Lock()
	var boxes []*memoryMailbox
	for _, m := range s.mailboxes {
		boxes = append(boxes, m)
	}
	s.mu.Unlock()

	for _, m := range boxes {
		m.mu.Lock()
		if m.path.Owner == owner {
			infos = append(infos, m.info())
		}
		m.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path.Name < infos[j].Path.Name })
	return infos, nil
}

func (s *MemoryStore) Rename(ctx context.Context, oldPath, newPath mailbox.Path) error {
	if err := newPath.Valid(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.mailboxes[oldPath.Key()]
	if m == nil {
		return mailbox.NotFoundf("memstore: no mailbox %s", oldPath)
	}
	if s.mailboxes[newPath.Key()] != nil {
		return mailbox.Conflictf("memstore: mailbox %s exists", newPath)
	}
	delete(s.mailboxes, oldPath.Key())
	m.mu.Lock()
	m.path = newPath
	m.uidValidity = s.uidValidityNext
	m.mu.Unlock()
	s.uidValidityNext++
	s.mailboxes[newPath.Key()] = m
	return nil
}

func (s *MemoryStore) DeleteMailbox(ctx context.Context, path mailbox.Path) error {
	s.mu.Lock()
	m := s.mailboxes[path.Key()]
	if m == nil {
		s.mu.Unlock()
		return mailbox.NotFoundf("memstore: no mailbox %s", path)
	}
	delete(s.mailboxes, path.Key())
	s.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.msgs {
		msg.content.Close()
	}
	m.msgs = nil
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, path mailbox.Path, content io.Reader, flags mailbox.Flags, date time.Time) (mailbox.UID, error) {
	if _, err := s.mailbox(path); err != nil {
		return 0, err
	}
	buf, hdrLen, err := backend.Spool(s.Filer, content)
	if err != nil {
		return 0, mailbox.Backendf(err, "memstore.Append(%s)", path)
	}

	uid, modSeq, err := s.seq.Next(ctx, path)
	if err != nil {
		buf.Close()
		return 0, err
	}
	m, err := s.mailbox(path)
	if err != nil {
		buf.Close()
		return 0, err
	}

	msg := &memoryMsg{
		uid:     uid,
		modSeq:  modSeq,
		flags:   mailbox.NewFlags(flags...),
		date:    date,
		content: buf,
		hdrLen:  hdrLen,
	}
	m.mu.Lock()
	i := sort.Search(len(m.msgs), func(i int) bool { return m.msgs[i].uid > uid })
	m.msgs = append(m.msgs, nil)
	copy(m.msgs[i+1:], m.msgs[i:])
	m.msgs[i] = msg
	m.mu.Unlock()

	return uid, nil
}

func (s *MemoryStore) Delete(ctx context.Context, path mailbox.Path, uid mailbox.UID) error {
	m, err := s.mailbox(path)
	if err != nil {
		return err
	}
	if _, ok := m.find(uid); !ok {
		return mailbox.NotFoundf("memstore: no message %d in %s", uid, path)
	}
	if _, err := s.seq.NextModSeq(ctx, path); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index(uid)
	if !ok {
		return mailbox.NotFoundf("memstore: no message %d in %s", uid, path)
	}
	m.msgs[i].content.Close()
	m.msgs = append(m.msgs[:i], m.msgs[i+1:]...)
	return nil
}

func (s *MemoryStore) SetFlags(ctx context.Context, path mailbox.Path, uid mailbox.UID, flags mailbox.Flags) (mailbox.ModSeq, error) {
	m, err := s.mailbox(path)
	if err != nil {
		return 0, err
	}
	if _, ok := m.find(uid); !ok {
		return 0, mailbox.NotFoundf("memstore: no message %d in %s", uid, path)
	}
	modSeq, err := s.seq.NextModSeq(ctx, path)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index(uid)
	if !ok {
		return 0, mailbox.NotFoundf("memstore: no message %d in %s", uid, path)
	}
	m.msgs[i].flags = mailbox.NewFlags(flags...)
	m.msgs[i].modSeq = modSeq
	return modSeq, nil
}

func (s *MemoryStore) Scan(ctx context.Context, path mailbox.Path, r msgrange.Range, depth backend.FetchDepth, fn func(mailbox.Message) error) error {
	m, err := s.mailbox(path)
	if err != nil {
		return err
	}

	after := mailbox.UID(0) // resume point: UIDs <= after are done
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := m.batch(r, after, depth)
		if err != nil {
			return mailbox.Backendf(err, "memstore.Scan(%s, %s)", path, r)
		}
		for _, msg := range batch {
			if err := fn(msg); err != nil {
				return err
			}
		}
		if len(batch) == 0 || r.BatchSize() == 0 || len(batch) < r.BatchSize() {
			return nil
		}
		after = batch[len(batch)-1].UID
	}
}

// batch copies out the next messages of r above after.
func (m *memoryMailbox) batch(r msgrange.Range, after mailbox.UID, depth backend.FetchDepth) ([]mailbox.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var batch []mailbox.Message
	start := sort.Search(len(m.msgs), func(i int) bool { return m.msgs[i].uid > after })
	for _, msg := range m.msgs[start:] {
		if !r.Includes(msg.uid) {
			if to, ok := r.To(); ok && msg.uid > to {
				break
			}
			continue
		}
		out := mailbox.Message{
			UID:          msg.uid,
			ModSeq:       msg.modSeq,
			Flags:        append(mailbox.Flags{}, msg.flags...),
			Size:         msg.content.Size(),
			InternalDate: msg.date,
		}
		if depth != backend.FetchMetadata {
			n := msg.content.Size()
			if depth == backend.FetchHeaders {
				n = msg.hdrLen
			}
			b, err := backend.ReadAll(msg.content, n)
			if err != nil {
				return nil, err
			}
			out.Content = b
		}
		batch = append(batch, out)
		if n := r.BatchSize(); n > 0 && len(batch) == n {
			break
		}
	}
	return batch, nil
}

func (m *memoryMailbox) find(uid mailbox.UID) (*memoryMsg, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index(uid)
	if !ok {
		return nil, false
	}
	return m.msgs[i], true
}

// index finds uid in m.msgs. m.mu must be held.
func (m *memoryMailbox) index(uid mailbox.UID) (int, bool) {
	i := sort.Search(len(m.msgs), func(i int) bool { return m.msgs[i].uid >= uid })
	return i, i < len(m.msgs) && m.msgs[i].uid == uid
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.closed = true
	for _, m := range s.mailboxes {
		m.mu.Lock()
		for _, msg := range m.msgs {
			msg.content.Close()
		}
		m.msgs = nil
		m.mu.Unlock()
	}
	return nil
}
