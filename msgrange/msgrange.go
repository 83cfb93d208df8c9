// Package msgrange describes sets of message UIDs.
//
// A Range is one of four shapes: a single UID, a closed interval,
// everything above a UID, or the whole mailbox. Ranges are values;
// every method returns a new Range.
//
// ToRanges compacts an arbitrary UID set into the minimal ordered
// list of ranges. It is how partial fetch and removal sets are
// reported and diffed.
package msgrange

import (
	"fmt"
	"sort"

	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
)

type Kind int

const (
	KindOne Kind = iota
	KindRange
	KindFrom
	KindAll
)

func (k Kind) String() string {
	switch k {
	case KindOne:
		return "One"
	case KindRange:
		return "Range"
	case KindFrom:
		return "From"
	case KindAll:
		return "All"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Range is a set of UIDs.
//
// One and Range always have finite bounds. From and All never claim
// a finite upper bound, so callers cannot mistake a sentinel maximum
// for a real UID.
type Range struct {
	kind      Kind
	from, to  mailbox.UID
	batchSize int
}

// One is the range holding only uid.
func One(uid mailbox.UID) Range {
	return Range{kind: KindOne, from: uid, to: uid}
}

// Between is the closed interval [from, to].
// It collapses to One when from == to. Reversed bounds are swapped.
func Between(from, to mailbox.UID) Range {
	if from > to {
		from, to = to, from
	}
	if from == to {
		return One(from)
	}
	return Range{kind: KindRange, from: from, to: to}
}

// From is the open range of UIDs strictly greater than uid.
//
// Note the boundary: From(5) does not include 5,
// while One(5) and Between(5, 10) do.
func From(uid mailbox.UID) Range {
	return Range{kind: KindFrom, from: uid}
}

// All is the range of every UID.
func All() Range {
	return Range{kind: KindAll}
}

// WithBatchSize returns r with a batch size hint.
// Backends scan r in chunks of n messages; 0 means unlimited.
func (r Range) WithBatchSize(n int) Range {
	if n < 0 {
		n = 0
	}
	r.batchSize = n
	return r
}

func (r Range) BatchSize() int { return r.batchSize }

func (r Range) Kind() Kind { return r.kind }

// From returns the lower boundary UID the range was built with.
// It is 0 for All.
func (r Range) From() mailbox.UID { return r.from }

// To returns the inclusive upper bound.
// ok is false for From and All, which have no finite upper bound.
func (r Range) To() (to mailbox.UID, ok bool) {
	switch r.kind {
	case KindOne, KindRange:
		return r.to, true
	}
	return 0, false
}

// Lowest is the smallest UID the range can include.
func (r Range) Lowest() mailbox.UID {
	switch r.kind {
	case KindFrom:
		return r.from + 1
	case KindAll:
		return 1
	}
	return r.from
}

// Includes reports whether uid is a member of r.
func (r Range) Includes(uid mailbox.UID) bool {
	switch r.kind {
	case KindOne:
		return uid == r.from
	case KindRange:
		return r.from <= uid && uid <= r.to
	case KindFrom:
		return uid > r.from
	case KindAll:
		return true
	}
	return false
}

// MaxExpand is the largest range UIDs will expand.
const MaxExpand = 1 << 20

// UIDs expands a finite range into its members.
// ok is false for From and All, and for ranges of more than MaxExpand
// UIDs; iterate those with Contains or a backend scan instead.
func (r Range) UIDs() (uids []mailbox.UID, ok bool) {
	to, ok := r.To()
	if !ok {
		return nil, false
	}
	if to-r.from >= MaxExpand {
		return nil, false
	}
	uids = make([]mailbox.UID, 0, to-r.from+1)
	for uid := r.from; ; uid++ {
		uids = append(uids, uid)
		if uid == to {
			break
		}
	}
	return uids, true
}

// String formats the members of r in IMAP sequence-set syntax.
func (r Range) String() string {
	switch r.kind {
	case KindOne:
		return fmt.Sprintf("%d", r.from)
	case KindRange:
		return fmt.Sprintf("%d:%d", r.from, r.to)
	case KindFrom:
		return fmt.Sprintf("%d:*", r.from+1)
	case KindAll:
		return "1:*"
	}
	return r.kind.String()
}

// ToRanges compacts uids into the minimal ordered list of ranges.
//
// Runs of consecutive UIDs become a single Range, isolated UIDs become
// One. The output does not overlap and no two adjacent ranges could be
// merged. Duplicates in uids are ignored. uids is not modified.
func ToRanges(uids []mailbox.UID) []Range {
	if len(uids) == 0 {
		return nil
	}
	sorted := append([]mailbox.UID(nil), uids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var ranges []Range
	start, prev := sorted[0], sorted[0]
	for _, uid := range sorted[1:] {
		if uid == prev {
			continue
		}
		if uid == prev+1 {
			prev = uid
			continue
		}
		ranges = append(ranges, Between(start, prev))
		start, prev = uid, uid
	}
	return append(ranges, Between(start, prev))
}

// Contains reports whether any of ranges includes uid.
func Contains(ranges []Range, uid mailbox.UID) bool {
	for _, r := range ranges {
		if r.Includes(uid) {
			return true
		}
	}
	return false
}

// Format writes ranges as a comma separated IMAP sequence set.
func Format(ranges []Range) string {
	s := ""
	for i, r := range ranges {
		if i > 0 {
			s += ","
		}
		s += r.String()
	}
	return s
}
