// Package commands implements the blobdict CLI.
package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/blobdict/internal/logger"
	"github.com/marmos91/blobdict/pkg/blobstore/s3"
	"github.com/marmos91/blobdict/pkg/config"
	"github.com/marmos91/blobdict/pkg/dict"
	"github.com/marmos91/blobdict/pkg/lease"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "blobdict",
	Short: "blobdict - key-value dictionary on object storage",
	Long: `blobdict exposes a folder of an S3-compatible bucket as a shared
key-value dictionary. Multiple clients coordinate through conditional
writes, emulated leases and a merged index object, with no server in
between.

Use "blobdict [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/blobdict/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(delCmd)
	rootCmd.AddCommand(containsCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(unlockCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// openDict loads the configuration, initializes logging, connects to the
// backend and builds the dictionary. The returned closer stops the lease
// registry.
func openDict(ctx context.Context) (*dict.Dictionary, *config.Config, func(), error) {
	cfg, err := config.MustLoad(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	client, err := s3.NewClientFromConfig(ctx,
		cfg.Backend.Endpoint,
		cfg.Backend.Region,
		cfg.Backend.AccessKeyID,
		cfg.Backend.SecretAccessKey,
		cfg.Backend.PathStyle,
	)
	if err != nil {
		return nil, nil, nil, err
	}

	container, err := s3.NewContainer(ctx, s3.Config{
		Client:            client,
		Bucket:            cfg.Backend.Bucket,
		MaxRetries:        uint(cfg.Backend.MaxRetries),
		InitialBackoff:    cfg.Backend.InitialBackoff,
		MaxBackoff:        cfg.Backend.MaxBackoff,
		BackoffMultiplier: cfg.Backend.BackoffMultiplier,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	registry := lease.NewRegistry(lease.WithTickInterval(cfg.Lease.TickInterval))

	d, err := dict.New(dict.Options{
		Container:     container,
		Folder:        cfg.Namespace.Folder,
		Indexed:       cfg.Namespace.Indexed,
		Scope:         cfg.Namespace.Scope,
		Registry:      registry,
		Workers:       cfg.Workers,
		IndexLockWait: cfg.Lease.LockWait.Seconds(),
	})
	if err != nil {
		registry.Stop(true)
		return nil, nil, nil, err
	}

	return d, cfg, func() { registry.Stop(true) }, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("blobdict %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample blobdict configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/blobdict/config.yaml. Use --config to specify a custom
path.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.GetDefaultConfigPath()
		}

		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}

		if err := config.SaveConfig(config.GetDefaultConfig(), path); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration file created at: %s\n", path)
		fmt.Println("\nNext steps:")
		fmt.Println("  1. Set backend.bucket and credentials in the config file")
		fmt.Println("  2. Try it: blobdict set greeting hello && blobdict get greeting")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

// commandTimeout bounds a single CLI operation.
const commandTimeout = 5 * time.Minute
