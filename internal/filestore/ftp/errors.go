package ftp

import (
	"context"
	"errors"
	"net/textproto"

	"github.com/jlaffaye/ftp"

	"github.com/koustreak/bucketgw/internal/errs"
)

// mapError translates FTP replies and transport failures into *errs.Error.
// Protocol replies leave the session usable; anything else is reported as a
// connection failure so the session cache discards it.
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

	var reply *textproto.Error
	if !errors.As(err, &reply) {
		return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
	}

	switch reply.Code {
	case ftp.StatusFileUnavailable, ftp.StatusFileActionIgnored:
		return errs.Wrap(errs.ErrKindNotFound, msg, err)
	case ftp.StatusNotLoggedIn, ftp.StatusInvalidCredentials, ftp.StatusStorNeedAccount:
		return errs.Wrap(errs.ErrKindPermissionDenied, msg, err)
	case ftp.StatusBadFileName:
		return errs.Wrap(errs.ErrKindBadRequest, msg, err)
	case ftp.StatusNotImplemented, ftp.StatusNotImplementedParameter:
		return errs.Wrap(errs.ErrKindNotImplemented, msg, err)
	case ftp.StatusNotAvailable, ftp.StatusCanNotOpenDataConnection, ftp.StatusTransfertAborted:
		return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
	default:
		return errs.Wrap(errs.ErrKindUnknown, msg, err)
	}
}
