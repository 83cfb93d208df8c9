package search

import (
	"fmt"
	"strings"
	"time"

	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
	"github.com/mihaisoloi/james-mailbox-sub001/msgrange"
)

// Query is an ordered list of criteria, all of which a message must
// match, and an optional sort order. A nil Sort orders by ascending UID.
type Query struct {
	Criteria []Criterion
	Sort     []Comparator
}

// Criterion is one search condition.
//
// The set of criteria is closed. An Index inspects them with a type
// switch and reports ErrNotIndexed for anything it cannot evaluate.
type Criterion interface {
	Match(c *Candidate) bool
	String() string
}

type AllCriterion struct{}

func (AllCriterion) Match(*Candidate) bool { return true }
func (AllCriterion) String() string        { return "ALL" }

// UIDCriterion matches messages whose UID is in any of Ranges.
type UIDCriterion struct {
	Ranges []msgrange.Range
}

func (cr UIDCriterion) Match(c *Candidate) bool { return msgrange.Contains(cr.Ranges, c.UID) }
func (cr UIDCriterion) String() string        { return "UID " + msgrange.Format(cr.Ranges) }

// FlagCriterion matches messages carrying any of AnyOf.
// With Not set it matches messages carrying none of them.
type FlagCriterion struct {
	AnyOf []string
	Not   bool
}

func (cr FlagCriterion) Match(c *Candidate) bool {
	has := false
	for _, flag := range cr.AnyOf {
		if c.Flags.Has(flag) {
			has = true
			break
		}
	}
	return has != cr.Not
}

func (cr FlagCriterion) String() string {
	s := "FLAG " + strings.Join(cr.AnyOf, "|")
	if cr.Not {
		s = "UN" + s
	}
	return s
}

// HeaderCriterion matches on the decoded value of header Name.
// An empty Value matches any message with the header present.
// Comparison is case-insensitive, by substring unless Exact is set.
type HeaderCriterion struct {
	Name  string
	Value string
	Exact bool
}

func (cr HeaderCriterion) Match(c *Candidate) bool {
	if !c.HasHeader(cr.Name) {
		return false
	}
	if cr.Value == "" {
		return true
	}
	v := c.Header(cr.Name)
	if cr.Exact {
		return strings.EqualFold(v, cr.Value)
	}
	return containsFold(v, cr.Value)
}

func (cr HeaderCriterion) String() string {
	return fmt.Sprintf("HEADER %s %q", cr.Name, cr.Value)
}

type AddressField string

const (
	AddressFrom AddressField = "From"
	AddressTo   AddressField = "To"
	AddressCc   AddressField = "Cc"
	AddressBcc  AddressField = "Bcc"
)

// AddressCriterion matches Value as a substring of an address header.
type AddressCriterion struct {
	Field AddressField
	Value string
}

func (cr AddressCriterion) Match(c *Candidate) bool {
	return containsFold(c.Header(string(cr.Field)), cr.Value)
}

func (cr AddressCriterion) String() string {
	return fmt.Sprintf("%s %q", strings.ToUpper(string(cr.Field)), cr.Value)
}

type SizeOp int

const (
	Larger SizeOp = iota
	Smaller
)

// SizeCriterion compares the encoded message size against Size.
type SizeCriterion struct {
	Op   SizeOp
	Size int64
}

func (cr SizeCriterion) Match(c *Candidate) bool {
	if cr.Op == Larger {
		return c.Size > cr.Size
	}
	return c.Size < cr.Size
}

func (cr SizeCriterion) String() string {
	if cr.Op == Larger {
		return fmt.Sprintf("LARGER %d", cr.Size)
	}
	return fmt.Sprintf("SMALLER %d", cr.Size)
}

type DateField int

const (
	InternalDate DateField = iota
	SentDate
)

type DateOp int

const (
	Before DateOp = iota
	On
	Since
)

// DateCriterion compares a message date against Date at day
// resolution. Internal dates are taken in UTC. Sent dates use the
// calendar day in the zone written in the Date header.
// A message with no usable sent date never matches a SentDate criterion.
type DateCriterion struct {
	Field DateField
	Op    DateOp
	Date  time.Time
}

func (cr DateCriterion) Match(c *Candidate) bool {
	var t time.Time
	if cr.Field == SentDate {
		var ok bool
		if t, ok = c.SentDate(); !ok {
			return false
		}
	} else {
		t = c.InternalDate.UTC()
	}
	day := truncateDay(t)
	want := truncateDay(cr.Date)
	switch cr.Op {
	case Before:
		return day.Before(want)
	case On:
		return day.Equal(want)
	case Since:
		return !day.Before(want)
	}
	return false
}

func (cr DateCriterion) String() string {
	op := [...]string{"BEFORE", "ON", "SINCE"}[cr.Op]
	if cr.Field == SentDate {
		op = "SENT" + op
	}
	return op + " " + cr.Date.Format("2-Jan-2006")
}

func truncateDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

type TextScope int

const (
	Body     TextScope = iota // decoded text parts
	FullText                  // header block and text parts
)

// TextCriterion is a case-insensitive substring match on message text.
type TextCriterion struct {
	Scope TextScope
	Value string
}

func (cr TextCriterion) Match(c *Candidate) bool {
	if cr.Scope == Body {
		return containsFold(c.Body(), cr.Value)
	}
	return containsFold(c.Text(), cr.Value)
}

func (cr TextCriterion) String() string {
	if cr.Scope == Body {
		return fmt.Sprintf("BODY %q", cr.Value)
	}
	return fmt.Sprintf("TEXT %q", cr.Value)
}

// ModSeqCriterion matches messages changed at or after Min.
type ModSeqCriterion struct {
	Min mailbox.ModSeq
}

func (cr ModSeqCriterion) Match(c *Candidate) bool { return c.ModSeq >= cr.Min }
func (cr ModSeqCriterion) String() string        { return fmt.Sprintf("MODSEQ %d", cr.Min) }

type NotCriterion struct {
	Criterion Criterion
}

func (cr NotCriterion) Match(c *Candidate) bool { return !cr.Criterion.Match(c) }
func (cr NotCriterion) String() string        { return "NOT " + cr.Criterion.String() }

// OrCriterion matches when any of Criteria does.
type OrCriterion struct {
	Criteria []Criterion
}

func (cr OrCriterion) Match(c *Candidate) bool {
	for _, sub := range cr.Criteria {
		if sub.Match(c) {
			return true
		}
	}
	return false
}

func (cr OrCriterion) String() string {
	var parts []string
	for _, sub := range cr.Criteria {
		parts = append(parts, sub.String())
	}
	return "OR(" + strings.Join(parts, ", ") + ")"
}

// matchAll reports whether c matches every criterion.
func matchAll(criteria []Criterion, c *Candidate) bool {
	for _, cr := range criteria {
		if !cr.Match(c) {
			return false
		}
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
