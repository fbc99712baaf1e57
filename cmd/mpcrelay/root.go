package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pushchain/mpc-relay/mpc/config"
	"github.com/pushchain/mpc-relay/mpc/driver/gg20"
	"github.com/pushchain/mpc-relay/mpc/logger"
)

const envPrefix = "MPCRELAY"

// Flags shared by every command. Each one can also be set through the
// environment, e.g. MPCRELAY_SERVER_URL.
const (
	flagHome             = "home"
	flagLogLevel         = "log-level"
	flagLogFormat        = "log-format"
	flagLogFile          = "log-file"
	flagServerURL        = "server-url"
	flagServerPublicKey  = "server-public-key"
	flagKeysharePassword = "keyshare-password"
	flagLibLogLevel      = "tss-log-level"
)

// app carries the resolved configuration into the subcommands.
type app struct {
	v      *viper.Viper
	cfg    config.Config
	logger zerolog.Logger
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{v: viper.New()})
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mpcrelay",
		Short:         "Threshold ECDSA keygen and signing over a Noise relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String(flagHome, config.DefaultHome(), "home directory holding config, keypair and key shares")
	flags.Int(flagLogLevel, int(zerolog.InfoLevel), "log level (0 debug .. 5 panic)")
	flags.String(flagLogFormat, "console", "log format: console or json")
	flags.String(flagLogFile, "", "also write json logs to this rotating file")
	flags.String(flagServerURL, "", "relay websocket url, e.g. ws://127.0.0.1:8008")
	flags.String(flagServerPublicKey, "", "relay hex public key")
	flags.String(flagKeysharePassword, "", "password protecting stored key shares")
	flags.String(flagLibLogLevel, "error", "tss-lib internal log level")

	InitRootCmd(rootCmd, a)

	return rootCmd
}

// load merges, in increasing precedence: embedded defaults, the config file
// under --home, MPCRELAY_* environment variables and explicit flags.
func (a *app) load(cmd *cobra.Command) error {
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return errors.Wrap(err, "failed to bind flags")
	}

	home := a.v.GetString(flagHome)
	var cfg config.Config
	if _, err := os.Stat(config.Path(home)); err == nil {
		if cfg, err = config.Load(home); err != nil {
			return err
		}
	} else {
		defaults, err := config.LoadDefaultConfig()
		if err != nil {
			return err
		}
		cfg = *defaults
		cfg.NodeHome = home
	}

	if a.v.IsSet(flagLogLevel) {
		cfg.LogLevel = a.v.GetInt(flagLogLevel)
	}
	if a.v.IsSet(flagLogFormat) {
		cfg.LogFormat = a.v.GetString(flagLogFormat)
	}
	if a.v.IsSet(flagLogFile) {
		cfg.LogFile = a.v.GetString(flagLogFile)
	}
	if a.v.IsSet(flagServerURL) {
		cfg.ServerURL = a.v.GetString(flagServerURL)
	}
	if a.v.IsSet(flagServerPublicKey) {
		cfg.ServerPublicKey = strings.TrimPrefix(a.v.GetString(flagServerPublicKey), "0x")
	}
	if a.v.IsSet(flagKeysharePassword) {
		cfg.KeysharePassword = a.v.GetString(flagKeysharePassword)
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	a.cfg = cfg

	a.logger = logger.New(cfg.LogLevel, cfg.LogFormat, cfg.LogSampler, logger.File{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	return gg20.SetLibraryLogLevel(a.v.GetString(flagLibLogLevel))
}
