// Package commands implements the hybridvault command line.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hybridvault/hybridvault/internal/app"
	"github.com/hybridvault/hybridvault/internal/config"
	"github.com/hybridvault/hybridvault/internal/logging"
	"github.com/hybridvault/hybridvault/internal/metrics"
	"github.com/hybridvault/hybridvault/internal/storage"
)

// Options applied to every App built by the CLI. Tests swap the object client
// through it.
var appOptions []app.Option

// cli carries flag values and the App shared by the subcommands.
type cli struct {
	cfgFile     string
	logLevel    string
	metricsFile string

	team      string
	workspace string
	author    string
	message   string
	version   string
	branch    string
	backend   string
	prefer    string
	bucket    string
	maxKeys   int

	app *app.App
}

// NewRootCmd builds the command tree. The returned release func drains
// background backups and closes connections; call it after Execute whether or
// not the command failed.
func NewRootCmd() (root *cobra.Command, release func() error) {
	c := &cli{}

	root = &cobra.Command{
		Use:           "hybridvault",
		Short:         "Versioned artifact storage over git and S3",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (default ./hybridvault.yaml or $HOME/.hybridvault/config.yaml)")
	pf.StringVar(&c.logLevel, "log-level", "", "override log.level")
	pf.StringVar(&c.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit (textfile collector format)")
	pf.StringVarP(&c.team, "team", "t", "", "team id")
	pf.StringVarP(&c.workspace, "workspace", "w", "", "workspace id")
	pf.StringVar(&c.author, "author", "", `author, "Name <email>"`)
	pf.StringVar(&c.branch, "branch", "", "git branch (default branch when empty)")
	pf.StringVar(&c.backend, "backend", "", "force a backend: git or object")
	pf.StringVar(&c.prefer, "prefer", "", "try this backend first on reads: git or object")
	pf.StringVar(&c.bucket, "bucket", "", "object bucket override")

	root.AddCommand(
		c.storeCmd(),
		c.getCmd(),
		c.showCmd(),
		c.rmCmd(),
		c.lsCmd(),
		c.statCmd(),
		c.existsCmd(),
		c.logCmd(),
		c.syncCmd(),
	)
	return root, c.close
}

// Execute runs the CLI against os.Args.
func Execute() error {
	root, release := NewRootCmd()
	defer release()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func (c *cli) init(ctx context.Context) error {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if err := logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stderr",
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	c.app, err = app.New(ctx, cfg, appOptions...)
	if err != nil {
		return fmt.Errorf("failed to initialize hybridvault: %w", err)
	}
	return nil
}

func (c *cli) close() error {
	defer logging.Sync()
	if c.app == nil {
		return nil
	}
	err := c.app.Close()
	if err != nil {
		logging.Warn("shutdown", zap.Error(err))
	}
	c.app = nil
	if c.metricsFile != "" {
		if werr := metrics.WriteTextfile(c.metricsFile); werr != nil {
			logging.Warn("write metrics file", zap.String("path", c.metricsFile), zap.Error(werr))
			err = errors.Join(err, werr)
		}
	}
	return err
}

func (c *cli) options() (storage.Options, error) {
	if c.team == "" || c.workspace == "" {
		return storage.Options{}, fmt.Errorf("--team and --workspace are required")
	}
	opts := storage.Options{
		TeamID:           c.team,
		WorkspaceID:      c.workspace,
		Author:           c.author,
		CommitMessage:    c.message,
		Version:          c.version,
		Branch:           c.branch,
		Bucket:           c.bucket,
		MaxKeys:          c.maxKeys,
		EnableVersioning: c.app.Config.S3.Versioning,
	}
	if c.backend != "" {
		if opts.ForceBackend = storage.ParseBackend(c.backend); !concrete(opts.ForceBackend) {
			return opts, fmt.Errorf("unknown --backend %q", c.backend)
		}
	}
	if c.prefer != "" {
		if opts.PreferredBackend = storage.ParseBackend(c.prefer); !concrete(opts.PreferredBackend) {
			return opts, fmt.Errorf("unknown --prefer %q", c.prefer)
		}
	}
	return opts, nil
}

func concrete(b storage.Backend) bool {
	return b == storage.BackendGit || b == storage.BackendObject
}
