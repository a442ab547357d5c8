package filestore

import (
	"context"
	"io"

	"github.com/koustreak/bucketgw/internal/errs"
)

// Unimplemented can be embedded in a driver to reject every capability the
// driver does not override with ErrKindNotImplemented.
type Unimplemented struct {
	// Driver is the key reported in error messages.
	Driver string
}

func (u Unimplemented) Get(context.Context, string, bool) (*Entry, error) {
	return nil, u.err("get")
}

func (u Unimplemented) Download(context.Context, string) (Object, error) {
	return nil, u.err("download")
}

func (u Unimplemented) Put(context.Context, string, io.Reader) (*PutResult, error) {
	return nil, u.err("put")
}

func (u Unimplemented) Delete(context.Context, string) error {
	return u.err("delete")
}

func (u Unimplemented) err(op string) error {
	return errs.Newf(errs.ErrKindNotImplemented, "driver %q does not support %s", u.Driver, op)
}
