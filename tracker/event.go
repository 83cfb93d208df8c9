package tracker

import (
	"fmt"
	"sync"

	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
)

type EventKind int

const (
	Added EventKind = iota + 1
	Expunged
	FlagsUpdated
	MailboxRenamed
	MailboxDeleted
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Expunged:
		return "expunged"
	case FlagsUpdated:
		return "flags_updated"
	case MailboxRenamed:
		return "mailbox_renamed"
	case MailboxDeleted:
		return "mailbox_deleted"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a change to a mailbox.
type Event struct {
	Kind EventKind
	Path mailbox.Path

	// OldPath is set for MailboxRenamed. Path is the new name.
	OldPath mailbox.Path

	UID mailbox.UID // Added, Expunged, FlagsUpdated

	// OldFlags is meaningful only when OldKnown is true.
	// An unknown old state is different from an empty flag set.
	OldFlags mailbox.Flags
	OldKnown bool
	NewFlags mailbox.Flags
}

func (ev Event) String() string {
	switch ev.Kind {
	case Added, Expunged:
		return fmt.Sprintf("%s %s uid=%d", ev.Kind, ev.Path, ev.UID)
	case FlagsUpdated:
		old := "unknown"
		if ev.OldKnown {
			old = ev.OldFlags.String()
		}
		return fmt.Sprintf("%s %s uid=%d %s -> %s", ev.Kind, ev.Path, ev.UID, old, ev.NewFlags)
	case MailboxRenamed:
		return fmt.Sprintf("%s %s -> %s", ev.Kind, ev.OldPath, ev.Path)
	default:
		return fmt.Sprintf("%s %s", ev.Kind, ev.Path)
	}
}

// Listener receives mailbox events.
//
// Events of one mailbox arrive in the order they were emitted.
// Event is called with the mailbox's tracker locked, so a Listener
// must not call back into that tracker.
type Listener interface {
	Event(ev Event)
}

type ListenerFunc func(ev Event)

func (fn ListenerFunc) Event(ev Event) { fn(ev) }

// Handle identifies a registered Listener.
type Handle int64

// Registry holds the listeners that trackers deliver to.
// One Registry may serve many trackers.
type Registry struct {
	mu        sync.RWMutex
	next      Handle
	listeners []registered
}

type registered struct {
	h Handle
	l Listener
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(l Listener) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.listeners = append(r.listeners, registered{h: r.next, l: l})
	return r.next
}

func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, reg := range r.listeners {
		if reg.h == h {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Registry) deliver(evs []Event) {
	if len(evs) == 0 {
		return
	}
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()

	for _, ev := range evs {
		for _, reg := range listeners {
			reg.l.Event(ev)
		}
	}
}
