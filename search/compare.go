package search

import (
	"strings"
)

// Comparator orders two candidates. Compare returns a negative
// number, zero or a positive number as a sorts before, with or
// after b.
type Comparator struct {
	Name string

	// Content is set when the comparator reads message content,
	// not just metadata.
	Content bool

	cmp func(a, b *Candidate) int
}

func (c Comparator) Compare(a, b *Candidate) int { return c.cmp(a, b) }

func (c Comparator) String() string { return c.Name }

var (
	ByUID = Comparator{Name: "uid", cmp: func(a, b *Candidate) int {
		return cmpUint(uint64(a.UID), uint64(b.UID))
	}}
	ByModSeq = Comparator{Name: "modseq", cmp: func(a, b *Candidate) int {
		return cmpUint(uint64(a.ModSeq), uint64(b.ModSeq))
	}}
	ByArrival = Comparator{Name: "arrival", cmp: func(a, b *Candidate) int {
		return a.InternalDate.Compare(b.InternalDate)
	}}
	BySize = Comparator{Name: "size", cmp: func(a, b *Candidate) int {
		return cmpUint(uint64(a.Size), uint64(b.Size))
	}}
	BySentDate = Comparator{Name: "date", Content: true, cmp: compareSentDate}
	BySubject  = Comparator{Name: "subject", Content: true, cmp: func(a, b *Candidate) int {
		return strings.Compare(baseSubject(a.Header("Subject")), baseSubject(b.Header("Subject")))
	}}
	ByFrom = addressComparator("From")
	ByTo   = addressComparator("To")
	ByCc   = addressComparator("Cc")
)

// addressComparator orders by the display name of the first address
// in header name. Missing addresses sort first.
func addressComparator(name string) Comparator {
	return Comparator{
		Name:    strings.ToLower(name),
		Content: true,
		cmp: func(a, b *Candidate) int {
			return strings.Compare(a.DisplayName(name), b.DisplayName(name))
		},
	}
}

// Messages with no usable Date header sort by arrival time.
func compareSentDate(a, b *Candidate) int {
	ta, ok := a.SentDate()
	if !ok {
		ta = a.InternalDate
	}
	tb, ok := b.SentDate()
	if !ok {
		tb = b.InternalDate
	}
	return ta.Compare(tb)
}

// Reverse flips the order of c.
func Reverse(c Comparator) Comparator {
	return Comparator{
		Name:    "reverse(" + c.Name + ")",
		Content: c.Content,
		cmp:     func(a, b *Candidate) int { return -c.cmp(a, b) },
	}
}

// Chain orders by the first comparator that tells a and b apart.
func Chain(cs ...Comparator) Comparator {
	names := make([]string, len(cs))
	content := false
	for i, c := range cs {
		names[i] = c.Name
		content = content || c.Content
	}
	return Comparator{
		Name:    strings.Join(names, ","),
		Content: content,
		cmp: func(a, b *Candidate) int {
			for _, c := range cs {
				if n := c.cmp(a, b); n != 0 {
					return n
				}
			}
			return 0
		},
	}
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// baseSubject strips reply and forward markers.
func baseSubject(s string) string {
	s = strings.TrimSpace(s)
	for {
		lower := strings.ToLower(s)
		trimmed := false
		for _, prefix := range []string{"re:", "fwd:", "fw:"} {
			if strings.HasPrefix(lower, prefix) {
				s = strings.TrimSpace(s[len(prefix):])
				trimmed = true
				break
			}
		}
		if !trimmed {
			return s
		}
	}
}
