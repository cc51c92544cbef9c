package cli

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/assay/internal/compiler"
	"github.com/roach88/assay/internal/compound"
	"github.com/roach88/assay/internal/config"
	"github.com/roach88/assay/internal/engine"
	"github.com/roach88/assay/internal/ingest"
	"github.com/roach88/assay/internal/store"
	"github.com/roach88/assay/internal/units"
)

// env is the set of components a command works against, built from the
// global flags.
type env struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	registry *engine.Registry
	bundle   *compiler.Bundle
	sched    *engine.Scheduler
}

// envMode says how much of the environment a command needs.
type envMode int

const (
	// storeOnly opens the database with built-in units registered.
	storeOnly envMode = iota
	// withDeclarations additionally loads and registers --declarations.
	withDeclarations
)

// openEnv loads configuration, opens the store and registers units. Errors
// are reported through f and returned as ExitErrors.
func openEnv(opts *RootOptions, cmd *cobra.Command, f *OutputFormatter, mode envMode) (*env, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	logger, err := newLogger(cfg, opts, cmd)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "invalid logging config", err)
	}

	reg := engine.NewRegistry()
	if err := units.Register(reg); err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeGeneric, "failed to register units", err)
	}

	var bundle *compiler.Bundle
	if mode == withDeclarations {
		if opts.Declarations == "" {
			return nil, f.Fail(ExitCommandError, ErrCodeDeclarations, "--declarations is required", nil)
		}
		if bundle, err = loadDeclarations(opts.Declarations, reg, f); err != nil {
			return nil, err
		}
		logger.Debug("declarations loaded",
			"dir", opts.Declarations, "policies", len(bundle.Policies), "configs", len(bundle.Configs))
	}

	logger.Debug("opening database", "path", cfg.Store.Path)
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}

	opt := append(cfg.SchedulerOptions(), engine.WithLogger(logger))
	return &env{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: reg,
		bundle:   bundle,
		sched:    engine.NewScheduler(st, reg, opt...),
	}, nil
}

// loadDeclarations compiles dir, validates it against the registered units
// and registers its configs. Validation findings exit with ExitFailure.
func loadDeclarations(dir string, reg *engine.Registry, f *OutputFormatter) (*compiler.Bundle, error) {
	bundle, err := compiler.LoadDir(dir)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeDeclarations, "failed to load declarations", err)
	}
	if errs := compiler.Validate(bundle, reg.Units()); len(errs) > 0 {
		_ = f.Error(errs[0].Code, errs[0].Message, errs)
		return nil, WrapExitError(ExitFailure, "invalid declarations", errs[0])
	}
	if err := bundle.Register(reg); err != nil {
		return nil, f.Fail(ExitFailure, ErrCodeDeclarations, "failed to register declarations", err)
	}
	return bundle, nil
}

func (e *env) pipeline() *ingest.Pipeline {
	return &ingest.Pipeline{
		Store:     e.store,
		Builder:   compound.NewBuilder(engine.SystemClock{}.Now),
		Policies:  e.bundle.Policies,
		Scheduler: e.sched,
		Logger:    e.logger,
	}
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Error("error closing database", "error", err)
	}
}

// newLogger writes text logs to the command's stderr at the configured
// level, or debug with --verbose.
func newLogger(cfg config.Config, opts *RootOptions, cmd *cobra.Command) (*slog.Logger, error) {
	level, err := cfg.Logging.SlogLevel()
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	return slog.New(handler), nil
}

// commandError maps a store or engine error to an exit code.
func commandError(f *OutputFormatter, message string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return f.Fail(ExitCommandError, ErrCodeNotFound, message, err)
	case errors.Is(err, engine.ErrInFlight):
		return f.Fail(ExitFailure, ErrCodeRefused, message, err)
	default:
		return f.Fail(ExitCommandError, ErrCodeGeneric, message, err)
	}
}
