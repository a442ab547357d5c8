package minio

import (
	"context"
	"errors"
	"net/http"

	miniogo "github.com/minio/minio-go/v7"

	"github.com/koustreak/bucketgw/internal/errs"
)

// mapError translates a MinIO SDK error into a *errs.Error.
// It mirrors the mapError pattern used in the postgres and mysql drivers.
func mapError(ctx context.Context, err error, msg string) error {
	if err == nil {
		return nil
	}

	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}

	// Context cancellation / deadline
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	}

	// MinIO SDK exposes a typed ErrorResponse for S3-protocol errors
	var resp miniogo.ErrorResponse
	if errors.As(err, &resp) {
		// S3 codes are more precise than the status, check them first
		switch resp.Code {
		case "NoSuchBucket", "NoSuchKey", "NoSuchUpload":
			return errs.Wrap(errs.ErrKindNotFound, msg, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return errs.Wrap(errs.ErrKindPermissionDenied, msg, err)
		case "InvalidBucketName", "InvalidObjectName", "KeyTooLongError":
			return errs.Wrap(errs.ErrKindBadRequest, msg, err)
		case "RequestTimeout", "SlowDown":
			return errs.Wrap(errs.ErrKindTimeout, msg, err)
		case "NotImplemented":
			return errs.Wrap(errs.ErrKindNotImplemented, msg, err)
		}

		switch resp.StatusCode {
		case http.StatusNotFound:
			return errs.Wrap(errs.ErrKindNotFound, msg, err)
		case http.StatusForbidden, http.StatusUnauthorized:
			return errs.Wrap(errs.ErrKindPermissionDenied, msg, err)
		case http.StatusBadRequest:
			return errs.Wrap(errs.ErrKindBadRequest, msg, err)
		case http.StatusNotImplemented:
			return errs.Wrap(errs.ErrKindNotImplemented, msg, err)
		}
		if resp.StatusCode >= 500 {
			return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
		}
		return errs.Wrap(errs.ErrKindUnknown, msg, err)
	}

	// Anything else is a transport failure
	return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
}
