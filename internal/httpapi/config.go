package httpapi

import (
	"context"
	"os"
	"time"

	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

const defaultMaxBodyBytes int64 = 1 << 20

// Option configures the router built by NewMux.
type Option func(*options)

type options struct {
	// baseCtx is canceled on shutdown; in-flight loads and switches end with it.
	baseCtx context.Context
	// opTimeout bounds load, unload and switch requests; zero means none.
	opTimeout time.Duration
	maxBody   int64
	// cors is nil unless enabled.
	cors     *cors.Options
	log      zerolog.Logger
	logLevel LogLevel
}

func defaultOptions() options {
	lvl := LevelError
	if v, ok := os.LookupEnv("MODELRM_HTTP_LOG_LEVEL"); ok {
		lvl = parseLevel(v)
	}
	return options{
		baseCtx:  context.Background(),
		maxBody:  defaultMaxBodyBytes,
		log:      zerolog.Nop(),
		logLevel: lvl,
	}
}

// WithBaseContext ties mutating requests to ctx so a shutdown cancels them.
func WithBaseContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx == nil {
			ctx = context.Background()
		}
		o.baseCtx = ctx
	}
}

// WithOperationTimeout bounds load, unload and switch requests (<= 0 disables).
func WithOperationTimeout(d time.Duration) Option {
	return func(o *options) { o.opTimeout = max(d, 0) }
}

// WithMaxBodyBytes caps JSON request bodies; n <= 0 keeps the 1 MiB default.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) {
		if n <= 0 {
			n = defaultMaxBodyBytes
		}
		o.maxBody = n
	}
}

// WithCORS enables CORS for the given origins, methods and headers.
func WithCORS(origins, methods, headers []string) Option {
	return func(o *options) {
		o.cors = &cors.Options{
			AllowedOrigins: append([]string(nil), origins...),
			AllowedMethods: append([]string(nil), methods...),
			AllowedHeaders: append([]string(nil), headers...),
			MaxAge:         300,
		}
	}
}

// WithLogger sets the logger for request outcomes.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRequestLogLevel sets the default outcome log level (off|error|info|debug).
// Requests may still override it with ?log= or X-Log-Level.
func WithRequestLogLevel(s string) Option {
	return func(o *options) { o.logLevel = parseLevel(s) }
}
