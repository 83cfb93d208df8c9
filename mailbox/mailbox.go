// Package mailbox defines the core types shared by the storage layer.
//
// A mailbox is named by a Path. Messages inside it are addressed by UID,
// and every mutation of the mailbox is stamped with a ModSeq.
// Backends, the sequence provider, the change tracker and the search
// engine all speak in these types.
package mailbox

import (
	"fmt"
	"strings"
	"time"
)

// UID is a per-mailbox strictly increasing message identifier.
// It is never reused while the mailbox UIDValidity is unchanged.
type UID uint64

// ModSeq is a per-mailbox strictly increasing modification counter.
type ModSeq uint64

// MaxUID is the largest UID or ModSeq value the layer will issue.
// Values are limited to 63 bits so they fit signed database columns.
const MaxUID = 1<<63 - 1

const PrivateNamespace = "#private"

// Path names a mailbox.
type Path struct {
	Namespace string
	Owner     string
	Name      string
}

// NewPath returns the private-namespace path for owner's mailbox name.
func NewPath(owner, name string) Path {
	return Path{Namespace: PrivateNamespace, Owner: owner, Name: name}
}

// Key returns the string used to scope locks and caches to this mailbox.
// Distinct valid paths always have distinct keys.
func (p Path) Key() string {
	return p.Namespace + "\x00" + p.Owner + "\x00" + p.Name
}

func (p Path) String() string {
	return fmt.Sprintf("%s:%s:%s", p.Namespace, p.Owner, p.Name)
}

// Valid reports whether p can be used to name a mailbox.
func (p Path) Valid() error {
	if p.Name == "" {
		return Conflictf("mailbox.Path(%s): empty name", p)
	}
	for _, s := range []string{p.Namespace, p.Owner, p.Name} {
		if strings.IndexByte(s, 0) >= 0 {
			return Conflictf("mailbox.Path(%q): NUL in path", p.String())
		}
	}
	return nil
}

// Info is the state of a mailbox as recorded by its backend.
type Info struct {
	Path Path

	// ID is an opaque backend-assigned identifier.
	ID string

	// UIDValidity changes only when UID continuity is broken.
	// All previously issued UIDs are meaningless after it changes.
	UIDValidity uint32

	LastKnownUID  UID
	HighestModSeq ModSeq
	NumMessages   uint32
}

// UIDNext is the smallest UID the mailbox could assign next.
func (info Info) UIDNext() UID { return info.LastKnownUID + 1 }

// Message is a message as returned by a backend scan.
type Message struct {
	UID          UID
	ModSeq       ModSeq
	Flags        Flags
	Size         int64
	InternalDate time.Time

	// Content is the raw RFC 5322 message for full scans,
	// the header block alone for header scans, and nil for
	// metadata scans.
	Content []byte
}
