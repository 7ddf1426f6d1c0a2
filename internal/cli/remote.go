package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"modelrm/pkg/types"
)

func newStatusCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the server's allocator accounting and loaded models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient(opts).Status(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json() {
				return writeJSON(opts.Out, st)
			}
			fmt.Fprint(opts.Out, renderStatus(st))
			return nil
		},
	}
}

func newAllocationsCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "allocations",
		Aliases: []string{"allocs"},
		Short:   "List the server's memory reservations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			allocs, err := newClient(opts).Allocations(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json() {
				return writeJSON(opts.Out, types.AllocationsResponse{Allocations: allocs})
			}
			fmt.Fprintln(opts.Out, renderAllocations(allocs))
			return nil
		},
	}
}

func newLoadCommand(opts *Options) *cobra.Command {
	var req types.LoadRequest
	cmd := &cobra.Command{
		Use:   "load <model-id>",
		Short: "Reserve memory for a model on the server",
		Example: `  modelrm load meta/llama-3.1-8b
  modelrm load meta/llama-3.1-70b --quant int4 --evict`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := types.ParseQuantizationLevel(req.Quantization); err != nil {
				return err
			}
			resp, err := newClient(opts).Load(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if opts.json() {
				return writeJSON(opts.Out, resp)
			}
			a := resp.Plan.Allocation
			fmt.Fprintf(opts.Out, "%s %s at %s on %s (%s)\n", labelStyle.Render("Loaded:"), args[0],
				styleColor(colorGreen).Render(resp.Plan.Quantization.String()), a.Device, bytesSize(a.ReservedBytes))
			for _, id := range resp.Evicted {
				fmt.Fprintf(opts.Out, "%s %s\n", labelStyle.Render("Evicted:"), styleColor(colorOrange).Render(id))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.Quantization, "quant", "q", "", "preferred level (int4|int8|fp16|fp32)")
	cmd.Flags().BoolVar(&req.Evict, "evict", false, "evict idle models when it does not fit")
	return cmd
}

func newUnloadCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "unload <model-id>...",
		Short: "Unload models and release their memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(opts)
			for _, id := range args {
				if err := c.Unload(cmd.Context(), id); err != nil {
					return fmt.Errorf("unload %s: %w", id, err)
				}
				fmt.Fprintf(opts.Out, "%s %s\n", labelStyle.Render("Unloaded:"), id)
			}
			return nil
		},
	}
}

func newActivateCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <model-id>",
		Short: "Mark a reserved model as built and in use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).Activate(cmd.Context(), args[0])
		},
	}
}

func newTouchCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "touch <model-id>",
		Short: "Mark a loaded model as recently used so eviction skips it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(opts).Touch(cmd.Context(), args[0])
		},
	}
}

func newModeCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "mode [name]",
		Short: "List modes, or switch the server to one",
		Example: `  modelrm mode
  modelrm mode art`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(opts)
			if len(args) == 0 {
				resp, err := c.Modes(cmd.Context())
				if err != nil {
					return err
				}
				if opts.json() {
					return writeJSON(opts.Out, resp)
				}
				fmt.Fprintln(opts.Out, renderModes(resp))
				return nil
			}
			resp, err := c.SwitchMode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json() {
				return writeJSON(opts.Out, resp)
			}
			fmt.Fprintf(opts.Out, "%s %s\n", labelStyle.Render("Mode:"), resp.Mode)
			for _, id := range resp.Loaded {
				fmt.Fprintf(opts.Out, "  %s\n", id)
			}
			return nil
		},
	}
}
