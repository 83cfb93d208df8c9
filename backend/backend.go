// Package backend defines what the storage layer needs from a
// persistence driver.
//
// A driver stores mailboxes and their messages. It mints UIDs and
// mod-sequences through a seqgen.Provider built over its own Counters,
// so every driver shares the same locking discipline.
package backend

import (
	"context"
	"io"
	"time"

	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
	"github.com/mihaisoloi/james-mailbox-sub001/msgrange"
	"github.com/mihaisoloi/james-mailbox-sub001/seqgen"
)

// FetchDepth is how much of each message a Scan loads.
type FetchDepth int

const (
	FetchMetadata FetchDepth = iota // UID, ModSeq, flags, size, date
	FetchHeaders                    // metadata and the header block
	FetchFull                       // metadata and the whole message
)

func (d FetchDepth) String() string {
	switch d {
	case FetchMetadata:
		return "metadata"
	case FetchHeaders:
		return "headers"
	case FetchFull:
		return "full"
	}
	return "FetchDepth(?)"
}

type Scanner interface {
	// Scan calls fn for each message of path in r, in ascending UID order.
	//
	// Messages are read in batches of r.BatchSize() (all at once if 0)
	// and ctx is checked between batches. The Message passed to fn is
	// only valid for the duration of the call. If fn returns an error
	// the scan stops and Scan returns it.
	Scan(ctx context.Context, path mailbox.Path, r msgrange.Range, depth FetchDepth, fn func(mailbox.Message) error) error
}

type Writer interface {
	// Append stores a new message and returns its UID.
	Append(ctx context.Context, path mailbox.Path, content io.Reader, flags mailbox.Flags, date time.Time) (mailbox.UID, error)

	// Delete removes message uid. It bumps the mailbox ModSeq.
	Delete(ctx context.Context, path mailbox.Path, uid mailbox.UID) error

	// SetFlags replaces the flags of message uid.
	// It returns the ModSeq the message now carries.
	SetFlags(ctx context.Context, path mailbox.Path, uid mailbox.UID, flags mailbox.Flags) (mailbox.ModSeq, error)
}

type Directory interface {
	Create(ctx context.Context, path mailbox.Path) (mailbox.Info, error)
	Info(ctx context.Context, path mailbox.Path) (mailbox.Info, error)

	// List reports the mailboxes of owner, ordered by name.
	List(ctx context.Context, owner string) ([]mailbox.Info, error)

	// Rename moves a mailbox and its messages to newPath.
	// The mailbox gets a fresh UIDValidity.
	Rename(ctx context.Context, oldPath, newPath mailbox.Path) error

	DeleteMailbox(ctx context.Context, path mailbox.Path) error
}

// Backend is a complete storage driver.
type Backend interface {
	Scanner
	Writer
	Directory
	seqgen.Counters

	// Sequences is the Provider the driver mints UIDs with.
	Sequences() seqgen.Provider

	Close() error
}
