package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/roach88/assay/internal/config"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration commands run with: the defaults overlaid with
the file given by --config, as TOML.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(rootOpts, cmd)
		},
	}
	cmd.AddCommand(newConfigInitCommand(rootOpts))
	return cmd
}

func runConfigShow(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	if f.JSON() {
		return f.Success(cfg, nil)
	}
	return toml.NewEncoder(f.Writer).Encode(cfg)
}

func newConfigInitCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return f.Fail(ExitCommandError, ErrCodeConfig,
					fmt.Sprintf("%s already exists (use --force to overwrite)", path), nil)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return f.Fail(ExitCommandError, ErrCodeConfig, "failed to write config", err)
			}
			return f.Success(map[string]string{"path": path}, func(w io.Writer) {
				fmt.Fprintf(w, "wrote %s\n", path)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
