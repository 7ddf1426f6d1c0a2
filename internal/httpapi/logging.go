package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// LogLevel controls per-request outcome logging.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// requestLogLevel applies the ?log= and X-Log-Level overrides to def.
func requestLogLevel(r *http.Request, def LogLevel) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return def
}

// logOutcome logs the end of a mutating request. Failures log at LevelError
// and above, successes at LevelInfo and above.
func (h *handlers) logOutcome(r *http.Request, op, subject string, status int, start time.Time, err error) {
	lvl := requestLogLevel(r, h.opts.logLevel)
	if (err == nil && lvl < LevelInfo) || lvl < LevelError {
		return
	}
	ev := h.opts.log.Info()
	if err != nil {
		ev = h.opts.log.Warn().Err(err)
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	ev.Str("op", op).Str("subject", subject).Int("status", status).Dur("dur", time.Since(start)).Msg(op + " end")
}
