package local

import (
	"context"
	"errors"
	"io/fs"
	"syscall"

	"github.com/koustreak/bucketgw/internal/errs"
)

// mapError translates os/syscall errors into *errs.Error. Errors that are
// already *errs.Error pass through unchanged.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}

	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}

	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return errs.Wrap(errs.ErrKindNotFound, msg, err)
	case errors.Is(err, fs.ErrPermission):
		return errs.Wrap(errs.ErrKindPermissionDenied, msg, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	case errors.Is(err, syscall.EISDIR), errors.Is(err, fs.ErrExist):
		return errs.Wrap(errs.ErrKindConflict, msg, err)
	default:
		return errs.Wrap(errs.ErrKindUnknown, msg, err)
	}
}
