package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"pulsecrypt/internal/app"
	"pulsecrypt/internal/config"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath   string
	home         string
	user         string
	passphrase   string
	strategy     string
	directoryURL string
	directoryDB  string

	appCtx *app.Wire
)

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pulsecrypt",
		Short:        "End-to-end conversation encryption CLI",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			appCtx, err = app.NewWire(ctxOf(cmd), cfg, app.Options{
				Version:    Version,
				Passphrase: passphrase,
				LogOutput:  cmd.ErrOrStderr(),
			})
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if appCtx == nil {
				return nil
			}
			err := appCtx.Close()
			appCtx = nil
			return err
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <home>/config.toml)")
	root.PersistentFlags().StringVar(&home, "home", "", "device state dir (default ~/.pulsecrypt)")
	root.PersistentFlags().StringVarP(&user, "user", "u", "", "local user id")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "key store passphrase (default from $PULSECRYPT_PASSPHRASE)")
	root.PersistentFlags().StringVar(&strategy, "strategy", "", "outgoing scheme: static, chain or double")
	root.PersistentFlags().StringVar(&directoryURL, "directory", "", "directory server URL")
	root.PersistentFlags().StringVar(&directoryDB, "directory-db", "", "use a local SQLite directory at this path")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		publishCmd(),
		rotateIdentityCmd(),
		channelCmd(),
		encryptCmd(),
		decryptCmd(),
		rotateKeyCmd(),
		groupCmd(),
		migrateCmd(),
		migrateCleanupCmd(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if home != "" {
			path = home + string(os.PathSeparator) + "config.toml"
		} else {
			path = config.DefaultPath()
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if home != "" {
		cfg.Identity.Home = home
	}
	if user != "" {
		cfg.Identity.UserID = user
	}
	if strategy != "" {
		cfg.Crypto.Strategy = strategy
	}
	if directoryURL != "" {
		cfg.Directory.Mode = "http"
		cfg.Directory.URL = directoryURL
	}
	if directoryDB != "" {
		cfg.Directory.Mode = "sqlite"
		cfg.Directory.DBPath = directoryDB
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
