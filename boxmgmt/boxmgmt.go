// Package boxmgmt manages the mailbox stores of local owners.
//
// Each owner gets their own backend: an in-memory store, or a database
// file under the data directory. All stores share one event registry,
// so a listener registered here hears about every owner's mailboxes.
package boxmgmt

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"crawshaw.io/iox"
	"go.uber.org/zap"

	"github.com/mihaisoloi/james-mailbox-sub001/backend"
	"github.com/mihaisoloi/james-mailbox-sub001/backend/boltstore"
	"github.com/mihaisoloi/james-mailbox-sub001/backend/memstore"
	"github.com/mihaisoloi/james-mailbox-sub001/backend/sqlitestore"
	"github.com/mihaisoloi/james-mailbox-sub001/mailstore"
	"github.com/mihaisoloi/james-mailbox-sub001/seqgen"
	"github.com/mihaisoloi/james-mailbox-sub001/tracker"
)

// Kind selects the storage backend.
type Kind string

const (
	Memory Kind = "memory"
	SQLite Kind = "sqlite"
	Bolt   Kind = "bolt"
)

func (k Kind) ext() string {
	switch k {
	case SQLite:
		return ".db"
	case Bolt:
		return ".bolt"
	}
	return ""
}

// ParseKind accepts the backend names used in configuration files.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Memory, SQLite, Bolt:
		return k, nil
	case "":
		return Memory, nil
	}
	return "", fmt.Errorf("boxmgmt: unknown backend %q", s)
}

type Options struct {
	Kind Kind

	// Dir holds per-owner database files. Required unless Kind is Memory.
	Dir string

	// LocalLocks serializes sequence allocation inside this process only.
	// Otherwise SQLite stores use a lease held in the database file,
	// which also excludes other processes.
	LocalLocks bool

	BatchSize int
	Filer     *iox.Filer
	Log       *zap.Logger
}

type BoxMgmt struct {
	opts     Options
	filer    *iox.Filer
	log      *zap.Logger
	registry *tracker.Registry

	mu     sync.Mutex
	owners map[string]*mailstore.Store // owner -> store
}

func New(opts Options) (*BoxMgmt, error) {
	if opts.Kind == "" {
		opts.Kind = Memory
	}
	if opts.Kind != Memory {
		if opts.Dir == "" {
			return nil, fmt.Errorf("boxmgmt.New: %s backend needs a directory", opts.Kind)
		}
		if err := os.MkdirAll(opts.Dir, 0770); err != nil {
			return nil, fmt.Errorf("boxmgmt.New: %v", err)
		}
	}
	if opts.Filer == nil {
		opts.Filer = iox.NewFiler(0)
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &BoxMgmt{
		opts:     opts,
		filer:    opts.Filer,
		log:      opts.Log.Named("boxmgmt"),
		registry: tracker.NewRegistry(),
		owners:   make(map[string]*mailstore.Store),
	}, nil
}

// RegisterListener subscribes l to the events of every owner.
func (bm *BoxMgmt) RegisterListener(l tracker.Listener) tracker.Handle {
	return bm.registry.Register(l)
}

func (bm *BoxMgmt) UnregisterListener(h tracker.Handle) {
	bm.registry.Unregister(h)
}

// Open returns the store of owner, opening its backend on first use.
func (bm *BoxMgmt) Open(ctx context.Context, owner string) (*mailstore.Store, error) {
	if owner == "" {
		return nil, fmt.Errorf("boxmgmt.Open: empty owner")
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if s := bm.owners[owner]; s != nil {
		return s, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := bm.openBackend(owner)
	if err != nil {
		return nil, fmt.Errorf("boxmgmt.Open(%q): %v", owner, err)
	}
	s := mailstore.New(b, mailstore.Options{
		Registry:  bm.registry,
		Log:       bm.opts.Log.With(zap.String("owner", owner)),
		BatchSize: bm.opts.BatchSize,
	})
	bm.owners[owner] = s
	bm.log.Info("opened owner", zap.String("owner", owner), zap.String("backend", string(bm.opts.Kind)))
	return s, nil
}

func (bm *BoxMgmt) openBackend(owner string) (backend.Backend, error) {
	var locker seqgen.Locker
	if bm.opts.LocalLocks {
		locker = seqgen.Local()
	}
	log := bm.opts.Log.With(zap.String("owner", owner))
	switch bm.opts.Kind {
	case Memory:
		return memstore.New(bm.filer, locker, log), nil
	case SQLite:
		return sqlitestore.Open(bm.dbfile(owner), sqlitestore.Options{
			Filer:  bm.filer,
			Log:    log,
			Locker: locker,
		})
	case Bolt:
		return boltstore.Open(bm.dbfile(owner), bm.filer, locker, log)
	}
	return nil, fmt.Errorf("unknown backend %q", bm.opts.Kind)
}

func (bm *BoxMgmt) dbfile(owner string) string {
	return filepath.Join(bm.opts.Dir, "owner_"+url.PathEscape(owner)+bm.opts.Kind.ext())
}

// Owners lists the owners with an open store or a database file.
func (bm *BoxMgmt) Owners() ([]string, error) {
	bm.mu.Lock()
	seen := make(map[string]bool, len(bm.owners))
	for owner := range bm.owners {
		seen[owner] = true
	}
	bm.mu.Unlock()

	if bm.opts.Kind != Memory {
		ents, err := os.ReadDir(bm.opts.Dir)
		if err != nil {
			return nil, fmt.Errorf("boxmgmt.Owners: %v", err)
		}
		ext := bm.opts.Kind.ext()
		for _, ent := range ents {
			name := ent.Name()
			if ent.IsDir() || !strings.HasPrefix(name, "owner_") || !strings.HasSuffix(name, ext) {
				continue
			}
			owner, err := url.PathUnescape(strings.TrimSuffix(strings.TrimPrefix(name, "owner_"), ext))
			if err != nil || owner == "" {
				bm.log.Warn("skipping database file", zap.String("file", name))
				continue
			}
			seen[owner] = true
		}
	}

	owners := make([]string, 0, len(seen))
	for owner := range seen {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners, nil
}

func (bm *BoxMgmt) Close() error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	var err error
	for owner, s := range bm.owners {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("boxmgmt.Close(%q): %v", owner, cerr)
		}
		delete(bm.owners, owner)
	}
	return err
}
