// Package disconnect turns a client-disconnect signal from the transport into
// cancellation of the work done on the client's behalf, so long listings and
// transfers stop once nobody is waiting for them.
package disconnect

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/koustreak/bucketgw/internal/logger"
	"github.com/koustreak/bucketgw/internal/metrics"
)

// ErrClientGone is the cancellation cause of work abandoned by its client.
var ErrClientGone = errors.New("client disconnected")

// Run calls fn with a context derived from ctx. If gone fires before fn
// returns, that context is cancelled with cause ErrClientGone and fn is
// expected to return early. Once fn has returned the signal is ignored.
func Run(ctx context.Context, gone <-chan struct{}, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	finished := make(chan struct{})
	go func() {
		select {
		case <-gone:
			select {
			case <-finished:
			default:
				cancel(ErrClientGone)
			}
		case <-finished:
		}
	}()

	err := fn(ctx)
	close(finished)
	return err
}

// Gone reports whether ctx was cancelled because the client went away.
func Gone(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrClientGone)
}

// Middleware runs every request under Run, using the request context as the
// disconnect signal. net/http cancels that context when the client connection
// closes. Handlers receive a context that keeps the request values but is
// cancelled only through Run.
func Middleware(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			parent := r.Context()

			_ = Run(context.WithoutCancel(parent), parent.Done(), func(ctx context.Context) error {
				next.ServeHTTP(w, r.WithContext(ctx))
				if Gone(ctx) {
					metrics.RecordAbortedRequest()
					log.With().
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Str("request_id", middleware.GetReqID(parent)).
						Dur("elapsed", time.Since(start)).
						Logger().
						Warn("client disconnected, request aborted")
				}
				return nil
			})
		})
	}
}
