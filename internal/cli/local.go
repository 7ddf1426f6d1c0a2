package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"modelrm/internal/quant"
	"modelrm/pkg/types"
)

func newProfileCommand(opts *Options) *cobra.Command {
	var remote, rebase bool
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show accelerator and host memory",
		Long: `Profile this host (or the static hardware from --config). With --remote the
running server's snapshot and allocator accounting are shown instead; --rebase
also makes the server re-measure and adopt the result as its new budgets.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote || rebase {
				c := newClient(opts)
				fetch := c.Profile
				if rebase {
					fetch = c.RefreshProfile
				}
				resp, err := fetch(cmd.Context())
				if err != nil {
					return err
				}
				if opts.json() {
					return writeJSON(opts.Out, resp)
				}
				fmt.Fprint(opts.Out, renderProfile(resp.Profile))
				fmt.Fprintln(opts.Out, renderDevices(resp.Devices, 1))
				return nil
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			prof, err := buildProfiler(cfg, opts.Logger, time.Now)
			if err != nil {
				return err
			}
			p := prof.Snapshot(cmd.Context())
			if opts.json() {
				return writeJSON(opts.Out, p)
			}
			fmt.Fprint(opts.Out, renderProfile(p))
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "ask the server instead of probing locally")
	cmd.Flags().BoolVar(&rebase, "rebase", false, "have the server re-measure and rebase its budgets (implies --remote)")
	return cmd
}

func parseTypeFlag(s string) (types.ModelType, error) {
	if s == "" {
		return "", nil
	}
	t := types.ModelType(strings.ToLower(s))
	if !t.Valid() {
		return "", fmt.Errorf("unknown model type %q", s)
	}
	return t, nil
}

func newModelsCommand(opts *Options) *cobra.Command {
	var (
		provider, typ string
		remote, best  bool
	)
	cmd := &cobra.Command{
		Use:     "models",
		Aliases: []string{"ls"},
		Short:   "List registered models",
		Example: `  modelrm models --type llm
  modelrm models --best --type diffusion
  modelrm models --remote -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTypeFlag(typ)
			if err != nil {
				return err
			}
			if best && t == "" {
				return fmt.Errorf("--best requires --type")
			}
			var models []types.ModelMetadata
			switch {
			case remote && best:
				m, err := newClient(opts).Best(cmd.Context(), provider, t)
				if err != nil {
					return err
				}
				models = []types.ModelMetadata{m}
			case remote:
				if models, err = newClient(opts).Models(cmd.Context(), provider, t); err != nil {
					return err
				}
			default:
				cfg, err := loadConfig(opts)
				if err != nil {
					return err
				}
				app, err := Build(cmd.Context(), cfg, BuildOptions{Logger: opts.Logger})
				if err != nil {
					return err
				}
				if best {
					m, err := app.Manager.SelectBestModel(cmd.Context(), provider, t)
					if err != nil {
						return err
					}
					models = []types.ModelMetadata{m}
					break
				}
				models = filterModels(app.Registry.List(), provider, t)
			}
			if opts.json() {
				return writeJSON(opts.Out, types.ModelsResponse{Models: models})
			}
			fmt.Fprintln(opts.Out, renderModels(models))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&provider, "provider", "", "only models from this provider")
	f.StringVarP(&typ, "type", "t", "", "only models of this type ("+typeList()+")")
	f.BoolVar(&best, "best", false, "show only the largest model that fits current headroom")
	f.BoolVar(&remote, "remote", false, "ask the server instead of reading the config")
	return cmd
}

func typeList() string {
	all := types.AllModelTypes()
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = string(t)
	}
	return strings.Join(names, "|")
}

func filterModels(in []types.ModelMetadata, provider string, t types.ModelType) []types.ModelMetadata {
	out := make([]types.ModelMetadata, 0, len(in))
	for _, m := range in {
		if provider != "" && m.Provider != provider {
			continue
		}
		if t != "" && m.Type != t {
			continue
		}
		out = append(out, m)
	}
	return out
}

// planResult is the json form of "modelrm plan".
type planResult struct {
	Model    types.ModelMetadata `json:"model"`
	Decision quant.Decision      `json:"decision"`
}

func newPlanCommand(opts *Options) *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "plan <model-id>",
		Short: "Show which precision and device a model would get, without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := types.ParseQuantizationLevel(level)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			app, err := Build(cmd.Context(), cfg, BuildOptions{Logger: opts.Logger})
			if err != nil {
				return err
			}
			m, err := app.Registry.Get(args[0])
			if err != nil {
				return err
			}
			prof := app.Profiler.Snapshot(cmd.Context())
			var d quant.Decision
			if q == types.QuantUnspecified {
				d, err = app.Strategy.Select(m, prof)
			} else {
				d, err = app.Strategy.SelectLevel(m, prof, q)
			}
			if err != nil {
				return err
			}
			if opts.json() {
				return writeJSON(opts.Out, planResult{Model: m, Decision: d})
			}
			fmt.Fprint(opts.Out, renderDecision(m, d))
			return nil
		},
	}
	cmd.Flags().StringVarP(&level, "quant", "q", "", "evaluate only this level (int4|int8|fp16|fp32)")
	return cmd
}
