package search

import (
	"bytes"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/mihaisoloi/james-mailbox-sub001/mailbox"
)

// Candidate is a message under evaluation.
//
// Parsed views of the content are computed on first use and kept,
// so a candidate compared many times during a sort is parsed once.
type Candidate struct {
	mailbox.Message

	parsed bool
	hdr    mail.Header
	hdrRaw []byte
	body   string // decoded text parts, joined
}

func newCandidate(msg mailbox.Message) *Candidate {
	return &Candidate{Message: msg}
}

func (c *Candidate) parse() {
	if c.parsed {
		return
	}
	c.parsed = true
	if len(c.Content) == 0 {
		return
	}
	if i := bytes.Index(c.Content, []byte("\r\n\r\n")); i >= 0 {
		c.hdrRaw = c.Content[:i+4]
	} else if i := bytes.Index(c.Content, []byte("\n\n")); i >= 0 {
		c.hdrRaw = c.Content[:i+2]
	} else {
		c.hdrRaw = c.Content
	}

	// An unknown charset still yields a reader.
	mr, _ := mail.CreateReader(bytes.NewReader(c.Content))
	if mr == nil {
		return
	}
	c.hdr = mr.Header

	var body strings.Builder
	for {
		p, err := mr.NextPart()
		if err != nil {
			break // io.EOF or a malformed part; keep what was read
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := h.ContentType()
		if err == nil && contentType != "" && !strings.HasPrefix(contentType, "text/") {
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil && len(b) == 0 {
			continue
		}
		if body.Len() > 0 {
			body.WriteByte('\n')
		}
		body.Write(b)
	}
	c.body = body.String()
}

// Header returns the decoded value of the named header, or "".
func (c *Candidate) Header(name string) string {
	c.parse()
	if v, err := c.hdr.Text(name); err == nil {
		return v
	}
	return c.hdr.Get(name)
}

// HasHeader reports whether the named header field is present.
func (c *Candidate) HasHeader(name string) bool {
	c.parse()
	return c.hdr.Has(name)
}

// SentDate is the Date header. ok is false if it is missing or bad.
func (c *Candidate) SentDate() (t time.Time, ok bool) {
	c.parse()
	if !c.hdr.Has("Date") {
		return time.Time{}, false
	}
	t, err := c.hdr.Date()
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

// DisplayName is the display name of the first address in header
// name. An address with no display name yields its addr-spec.
// A missing or unparsable header yields "".
func (c *Candidate) DisplayName(name string) string {
	c.parse()
	addrs, err := c.hdr.AddressList(name)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	if addrs[0].Name != "" {
		return addrs[0].Name
	}
	return addrs[0].Address
}

// Text is the raw header block followed by the body text.
func (c *Candidate) Text() string {
	c.parse()
	return string(c.hdrRaw) + c.body
}

// Body is the decoded text of the message's text parts.
func (c *Candidate) Body() string {
	c.parse()
	return c.body
}

// release drops the raw content, keeping the parsed views.
func (c *Candidate) release() {
	c.parse()
	c.hdrRaw = append([]byte(nil), c.hdrRaw...)
	c.Content = nil
}
