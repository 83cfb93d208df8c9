package msgrange

import (
	"math"

	"github.com/emersion/go-imap"
	"github.com/pkg/errors"

	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
)

// Parse parses an IMAP UID sequence set such as "1:3,7,9:*".
func Parse(s string) ([]Range, error) {
	set, err := imap.ParseSeqSet(s)
	if err != nil {
		return nil, errors.Wrapf(err, "msgrange.Parse(%q)", s)
	}
	return FromSeqSet(set), nil
}

// FromSeqSet converts an IMAP UID set to ranges.
//
// "n:*" becomes From(n-1), since From excludes its boundary.
// A bare "*" has no meaning without the mailbox state and becomes All.
func FromSeqSet(set *imap.SeqSet) []Range {
	if set == nil {
		return nil
	}
	var ranges []Range
	for _, seq := range set.Set {
		start, stop := seq.Start, seq.Stop
		if start == 0 {
			start, stop = stop, start
		}
		switch {
		case start == 0:
			ranges = append(ranges, All())
		case stop == 0 && start <= 1:
			ranges = append(ranges, All())
		case stop == 0:
			ranges = append(ranges, From(mailbox.UID(start-1)))
		default:
			ranges = append(ranges, Between(mailbox.UID(start), mailbox.UID(stop)))
		}
	}
	return ranges
}

// ToSeqSet converts ranges to an IMAP UID set.
// It fails if a bound does not fit in the 32-bit IMAP UID space.
func ToSeqSet(ranges []Range) (*imap.SeqSet, error) {
	set := new(imap.SeqSet)
	for _, r := range ranges {
		lo := r.Lowest()
		hi, finite := r.To()
		if lo > math.MaxUint32 || hi > math.MaxUint32 {
			return nil, errors.Errorf("msgrange.ToSeqSet: %v exceeds 32-bit UIDs", r)
		}
		if !finite {
			set.AddRange(uint32(lo), 0)
			continue
		}
		set.AddRange(uint32(lo), uint32(hi))
	}
	return set, nil
}
