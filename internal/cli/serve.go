package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/assay/internal/api"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only HTTP API",
		Long: `Serve entities, compounds, tasks and the journal over HTTP as JSON.
The server shuts down gracefully on interrupt.

Example:
  assay serve --addr 127.0.0.1:9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	e, err := openEnv(opts.RootOptions, cmd, f, storeOnly)
	if err != nil {
		return err
	}
	defer e.Close()

	addr := opts.Addr
	if addr == "" {
		addr = e.cfg.API.Addr()
	}

	e.logger.Info("api listening", "addr", addr)
	if err := api.NewServer(e.store, e.logger).Serve(cmd.Context(), addr); err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "server failed", err)
	}
	e.logger.Info("api stopped")
	return nil
}
