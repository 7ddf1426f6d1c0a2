package httpapi

import (
	"context"
	"errors"
	"net/http"
)

// errShuttingDown is the cancellation cause for operations cut short by the
// server's base context.
var errShuttingDown = errors.New("server shutting down")

// operationContext derives the context for a load, unload or switch. It
// keeps the request's values and ends when the request does, when the base
// context is canceled, or after the operation timeout.
func (h *handlers) operationContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(r.Context())
	stop := context.AfterFunc(h.opts.baseCtx, func() { cancel(errShuttingDown) })
	release := func() {
		stop()
		cancel(nil)
	}
	if h.opts.opTimeout <= 0 {
		return ctx, release
	}
	tctx, tcancel := context.WithTimeout(ctx, h.opts.opTimeout)
	return tctx, func() {
		tcancel()
		release()
	}
}
