package sftp

import (
	"context"
	"errors"
	"io/fs"
	"syscall"

	"github.com/pkg/sftp"

	"github.com/koustreak/bucketgw/internal/errs"
)

// mapError translates SFTP status codes and transport failures into
// *errs.Error. Status replies leave the session usable; anything else is a
// connection failure and discards it.
func mapError(ctx context.Context, err error, msg string) error {
	if err == nil {
		return nil
	}

	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	if ctx.Err() != nil {
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errs.Wrap(errs.ErrKindNotFound, msg, err)
	case errors.Is(err, fs.ErrPermission):
		return errs.Wrap(errs.ErrKindPermissionDenied, msg, err)
	case errors.Is(err, syscall.ENOTDIR):
		return errs.Wrap(errs.ErrKindConflict, msg, err)
	case errors.Is(err, sftp.ErrSSHFxConnectionLost), errors.Is(err, sftp.ErrSSHFxNoConnection):
		return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
	}

	var status *sftp.StatusError
	if errors.As(err, &status) {
		switch status.FxCode() {
		case sftp.ErrSSHFxOpUnsupported:
			return errs.Wrap(errs.ErrKindNotImplemented, msg, err)
		case sftp.ErrSSHFxBadMessage:
			return errs.Wrap(errs.ErrKindBadRequest, msg, err)
		default:
			return errs.Wrap(errs.ErrKindUnknown, msg, err)
		}
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		// a reply about one path, not a broken transport
		return errs.Wrap(errs.ErrKindUnknown, msg, err)
	}
	return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
}
