package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"modelrm/internal/httpapi"
)

type serveOptions struct {
	addr         string
	modelsDir    string
	registryFile string
	corsOrigins  string
	mode         string
	opTimeout    time.Duration
	shutdown     time.Duration

	// registerer defaults to the process registry served at /metrics.
	registerer prometheus.Registerer
	// ready receives the bound address once the server accepts requests.
	ready chan<- string
}

func newServeCommand(opts *Options) *cobra.Command {
	so := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Example: `  modelrm serve --config modelrm.yaml
  MODELRM_ADDR=:9090 modelrm serve --models-dir ~/models/llm --mode chat`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, so)
		},
	}
	f := cmd.Flags()
	f.StringVar(&so.addr, "addr", envStr(EnvAddr, ""), "HTTP listen address, e.g. :8080; env "+EnvAddr)
	f.StringVar(&so.modelsDir, "models-dir", "", "directory to scan for *.gguf model files")
	f.StringVar(&so.registryFile, "registry", "", "model list file (.yaml|.json|.toml)")
	f.StringVar(&so.corsOrigins, "cors-origins", "", "comma-separated origins; enables CORS")
	f.StringVar(&so.mode, "mode", "", "switch to this mode once started")
	f.DurationVar(&so.opTimeout, "op-timeout", 0, "bound on load and mode-switch requests (0 = none)")
	f.DurationVar(&so.shutdown, "shutdown-timeout", 5*time.Second, "graceful shutdown timeout")
	return cmd
}

func runServe(ctx context.Context, opts *Options, so *serveOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if so.addr != "" {
		cfg.Addr = so.addr
	}
	if so.modelsDir != "" {
		cfg.ModelsDir = so.modelsDir
	}
	if so.registryFile != "" {
		cfg.RegistryFile = so.registryFile
	}
	if so.corsOrigins != "" {
		cfg.CORS.Enabled = true
		cfg.CORS.Origins = splitCSV(so.corsOrigins)
		cfg.ApplyDefaults()
	}
	log := opts.Logger
	// the config's level applies unless the flag or environment set one
	if opts.ConfigPath != "" && envStr(EnvLogLevel, "") == "" && opts.LogLevel == "info" && cfg.LogLevel != "info" {
		if l, err := NewLogger(opts.Err, cfg.LogLevel, opts.LogFormat); err == nil {
			log = l
		}
	}

	reg := so.registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	app, err := Build(ctx, cfg, BuildOptions{Logger: log, Metrics: reg})
	if err != nil {
		return err
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	muxOpts := []httpapi.Option{
		httpapi.WithLogger(log),
		httpapi.WithOperationTimeout(so.opTimeout),
		httpapi.WithBaseContext(baseCtx),
	}
	if cfg.CORS.Enabled {
		muxOpts = append(muxOpts, httpapi.WithCORS(cfg.CORS.Origins, cfg.CORS.Methods, cfg.CORS.Headers))
	}

	be := httpapi.NewBackend(app.Manager, app.Balancer)
	srv := &http.Server{Handler: httpapi.NewMux(be, muxOpts...), ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info().Str("addr", ln.Addr().String()).Int("models", app.Registry.Len()).Msg("modelrm listening")

	if so.mode != "" {
		if err := app.Balancer.SwitchTo(ctx, so.mode); err != nil {
			// the server stays up; a later POST /modes/{mode} can retry
			log.Error().Err(err).Str("mode", so.mode).Msg("initial mode switch failed")
		}
	}
	be.SetReady(true)
	if so.ready != nil {
		so.ready <- ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	be.SetReady(false)
	// cancel in-flight loads and switches before draining connections
	cancelBase()
	sctx, cancel := context.WithTimeout(context.Background(), so.shutdown)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown error")
	}
	for _, id := range app.Manager.LoadedModels() {
		if err := app.Manager.Unload(sctx, id); err != nil {
			log.Warn().Err(err).Str("model", id).Msg("unload on shutdown")
		}
	}
	return nil
}
