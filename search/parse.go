package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
	"github.com/mihaisoloi/james-mailbox-sub001/msgrange"
)

var systemFlags = map[string]string{
	"answered": `\Answered`,
	"flagged":  `\Flagged`,
	"deleted":  `\Deleted`,
	"seen":     `\Seen`,
	"draft":    `\Draft`,
	"recent":   `\Recent`,
}

var sortKeys = map[string]Comparator{
	"uid":     ByUID,
	"modseq":  ByModSeq,
	"arrival": ByArrival,
	"size":    BySize,
	"date":    BySentDate,
	"subject": BySubject,
	"from":    ByFrom,
	"to":      ByTo,
	"cc":      ByCc,
}

// ParseQuery builds a Query from command-line terms such as
//
//	uid:1:10 unseen from:bob since:2021-06-01 !subject:lunch sort:-date,uid
//
// Dates are YYYY-MM-DD. A leading "!" negates a term.
// No terms means all messages.
func ParseQuery(terms []string) (Query, error) {
	var q Query
	for _, term := range terms {
		if strings.HasPrefix(term, "sort:") {
			for _, key := range strings.Split(strings.TrimPrefix(term, "sort:"), ",") {
				reverse := strings.HasPrefix(key, "-")
				c, ok := sortKeys[strings.ToLower(strings.TrimPrefix(key, "-"))]
				if !ok {
					return Query{}, fmt.Errorf("search: unknown sort key %q", key)
				}
				if reverse {
					c = Reverse(c)
				}
				q.Sort = append(q.Sort, c)
			}
			continue
		}
		cr, err := parseTerm(term)
		if err != nil {
			return Query{}, err
		}
		q.Criteria = append(q.Criteria, cr)
	}
	if len(q.Criteria) == 0 {
		q.Criteria = []Criterion{AllCriterion{}}
	}
	return q, nil
}

func parseTerm(term string) (Criterion, error) {
	if strings.HasPrefix(term, "!") {
		cr, err := parseTerm(term[1:])
		if err != nil {
			return nil, err
		}
		return NotCriterion{Criterion: cr}, nil
	}

	key, value, hasValue := strings.Cut(term, ":")
	key = strings.ToLower(key)
	if !hasValue {
		if key == "all" {
			return AllCriterion{}, nil
		}
		if flag, ok := systemFlags[key]; ok {
			return FlagCriterion{AnyOf: []string{flag}}, nil
		}
		if flag, ok := systemFlags[strings.TrimPrefix(key, "un")]; ok {
			return FlagCriterion{AnyOf: []string{flag}, Not: true}, nil
		}
		return nil, fmt.Errorf("search: unknown term %q", term)
	}

	switch key {
	case "uid":
		ranges, err := msgrange.Parse(value)
		if err != nil {
			return nil, err
		}
		return UIDCriterion{Ranges: ranges}, nil
	case "keyword":
		return FlagCriterion{AnyOf: []string{value}}, nil
	case "unkeyword":
		return FlagCriterion{AnyOf: []string{value}, Not: true}, nil
	case "subject":
		return HeaderCriterion{Name: "Subject", Value: value}, nil
	case "header":
		name, v, _ := strings.Cut(value, "=")
		return HeaderCriterion{Name: name, Value: v}, nil
	case "from":
		return AddressCriterion{Field: AddressFrom, Value: value}, nil
	case "to":
		return AddressCriterion{Field: AddressTo, Value: value}, nil
	case "cc":
		return AddressCriterion{Field: AddressCc, Value: value}, nil
	case "bcc":
		return AddressCriterion{Field: AddressBcc, Value: value}, nil
	case "body":
		return TextCriterion{Scope: Body, Value: value}, nil
	case "text":
		return TextCriterion{Scope: FullText, Value: value}, nil
	case "larger", "smaller":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("search: %s: %v", key, err)
		}
		op := Larger
		if key == "smaller" {
			op = Smaller
		}
		return SizeCriterion{Op: op, Size: n}, nil
	case "modseq":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("search: modseq: %v", err)
		}
		return ModSeqCriterion{Min: mailbox.ModSeq(n)}, nil
	case "before", "on", "since", "sentbefore", "senton", "sentsince":
		date, err := time.Parse("2006-01-02", value)
		if err != nil {
			return nil, fmt.Errorf("search: %s: %v", key, err)
		}
		cr := DateCriterion{Field: InternalDate, Date: date}
		if strings.HasPrefix(key, "sent") {
			cr.Field = SentDate
			key = strings.TrimPrefix(key, "sent")
		}
		switch key {
		case "before":
			cr.Op = Before
		case "on":
			cr.Op = On
		default:
			cr.Op = Since
		}
		return cr, nil
	}
	return nil, fmt.Errorf("search: unknown term %q", term)
}
