package backend

import (
	"bufio"
	"bytes"
	"io"

	"crawshaw.io/iox"
	"github.com/pkg/errors"
)

// Spool copies content into a buffer file from filer and measures
// its header block. The returned buffer is positioned at the start.
// The caller must Close it.
func Spool(filer *iox.Filer, content io.Reader) (buf *iox.BufferFile, hdrLen int64, err error) {
	f := filer.BufferFile(0)
	defer func() {
		if err != nil {
			f.Close()
		}
	}()
	buf = f
	if _, err := io.Copy(buf, content); err != nil {
		return nil, 0, errors.Wrap(err, "backend.Spool")
	}
	hdrLen, err = HeaderLen(io.NewSectionReader(buf, 0, buf.Size()))
	if err != nil {
		return nil, 0, errors.Wrap(err, "backend.Spool")
	}
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		return nil, 0, errors.Wrap(err, "backend.Spool")
	}
	return buf, hdrLen, nil
}

// HeaderLen reports the length of the RFC 5322 header block of r,
// including the blank line that ends it.
// A message with no blank line is all header.
func HeaderLen(r io.Reader) (int64, error) {
	br := bufio.NewReader(r)
	var n int64
	partial := false // previous read ended mid-line
	for {
		line, err := br.ReadSlice('\n')
		n += int64(len(line))
		switch err {
		case nil:
			if !partial && len(bytes.TrimRight(line, "\r\n")) == 0 {
				return n, nil
			}
			partial = false
		case bufio.ErrBufferFull:
			partial = true
		case io.EOF:
			return n, nil
		default:
			return 0, err
		}
	}
}

// Slice returns the part of content a scan at depth hands out.
func Slice(content []byte, hdrLen int64, depth FetchDepth) []byte {
	switch depth {
	case FetchFull:
		return content
	case FetchHeaders:
		if hdrLen > int64(len(content)) {
			return content
		}
		return content[:hdrLen]
	}
	return nil
}

// ReadAll reads the first n bytes of buf.
func ReadAll(buf io.ReaderAt, n int64) ([]byte, error) {
	b := make([]byte, n)
	if _, err := buf.ReadAt(b, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return b, nil
}
