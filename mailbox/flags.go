package mailbox

import (
	"sort"
	"strings"

	"github.com/emersion/go-imap"
)

// Flags is a set of message flags.
//
// A Flags value built by NewFlags is sorted, free of duplicates and
// uses the canonical spelling of the RFC 3501 system flags.
type Flags []string

// NewFlags builds a canonical flag set. It never returns nil.
func NewFlags(names ...string) Flags {
	flags := make(Flags, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		flags = append(flags, imap.CanonicalFlag(name))
	}
	sort.Strings(flags)
	out := flags[:0]
	for i, f := range flags {
		if i > 0 && f == flags[i-1] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (f Flags) Has(name string) bool {
	name = imap.CanonicalFlag(name)
	i := sort.SearchStrings(f, name)
	return i < len(f) && f[i] == name
}

// Equal reports whether f and o hold the same flags.
// A nil set equals an empty set.
func (f Flags) Equal(o Flags) bool {
	if len(f) != len(o) {
		return false
	}
	for i := range f {
		if f[i] != o[i] {
			return false
		}
	}
	return true
}

// With returns a copy of f with names added.
func (f Flags) With(names ...string) Flags {
	return NewFlags(append(append([]string{}, f...), names...)...)
}

// Without returns a copy of f with names removed.
func (f Flags) Without(names ...string) Flags {
	drop := NewFlags(names...)
	out := make(Flags, 0, len(f))
	for _, flag := range f {
		if !drop.Has(flag) {
			out = append(out, flag)
		}
	}
	return out
}

func (f Flags) String() string {
	return "(" + strings.Join(f, " ") + ")"
}
