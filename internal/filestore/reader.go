package filestore

import (
	"context"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/koustreak/bucketgw/internal/errs"
)

// NewContextReader returns a reader that fails once ctx is done, so copies
// driven by it stop at the next chunk boundary after cancellation.
func NewContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, errs.Wrap(errs.ErrKindTimeout, "transfer aborted", context.Cause(c.ctx))
	}
	return c.r.Read(p)
}

// ReadSample reads up to PreviewSize bytes from r. truncated reports whether
// r may hold more.
func ReadSample(r io.Reader) (sample []byte, truncated bool, err error) {
	buf := make([]byte, PreviewSize)
	n, err := io.ReadFull(r, buf)
	switch {
	case err == nil:
		return buf, true, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], false, nil
	default:
		return nil, false, err
	}
}

// Preview decodes sample as UTF-8 text. A multi-byte character cut off at the
// end of a truncated sample is dropped. Returns nil for binary content.
func Preview(sample []byte, truncated bool) *string {
	if truncated {
		for i := 0; i < utf8.UTFMax-1 && len(sample) > 0 && !utf8.Valid(sample); i++ {
			sample = sample[:len(sample)-1]
		}
	}
	if !utf8.Valid(sample) {
		return nil
	}
	s := string(sample)
	return &s
}

// CountingReader counts the bytes read through it and keeps the last read
// error, so a driver can tell a failing upload body from a failing remote.
type CountingReader struct {
	R   io.Reader
	N   int64
	Err error
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.R.Read(p)
	c.N += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		c.Err = err
	}
	return n, err
}

// UploadError maps the read error recorded by c, or returns nil when the
// body was read without failure.
func (c *CountingReader) UploadError() error {
	if c.Err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(c.Err, &e) {
		return c.Err
	}
	return errs.Wrap(errs.ErrKindBadRequest, "reading upload failed", c.Err)
}
