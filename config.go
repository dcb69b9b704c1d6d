package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	bind          string
	database      string
	playerTimeout time.Duration
	port          int
	prefix        string
	profile       bool
	researchers   int
	restore       bool
	seed          uint64
	subRounds     int
	tlsCert       string
	tlsKey        string
	verbose       bool
	version       bool

	logger *zap.Logger
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.researchers < 1 {
		return fmt.Errorf("invalid researcher count (must be at least 1): %d", c.researchers)
	}
	if c.subRounds < 1 {
		return fmt.Errorf("invalid sub-round count (must be at least 1): %d", c.subRounds)
	}
	if c.playerTimeout <= 0 {
		return fmt.Errorf("invalid player timeout (must be positive): %s", c.playerTimeout)
	}
	if c.restore && c.database == "" {
		return errors.New("--restore requires --database")
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("ULTIMATUM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "ultimatum",
		Short:         "Coordinates a classroom ultimatum-game experiment over plain HTTP polling.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cfg.verbose)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			cfg.logger = logger
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
		PostRun: func(cmd *cobra.Command, args []string) {
			if cfg.logger != nil {
				_ = cfg.logger.Sync()
			}
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: ULTIMATUM_BIND)")
	fs.StringVar(&cfg.database, "database", "", "path to sqlite archive for experiment snapshots (env: ULTIMATUM_DATABASE)")
	fs.DurationVar(&cfg.playerTimeout, "player-timeout", time.Minute, "time since last poll before a player is no longer counted online (env: ULTIMATUM_PLAYER_TIMEOUT)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: ULTIMATUM_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: ULTIMATUM_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: ULTIMATUM_PROFILE)")
	fs.IntVar(&cfg.researchers, "researchers", 3, "number of first registrants granted the researcher role (env: ULTIMATUM_RESEARCHERS)")
	fs.BoolVar(&cfg.restore, "restore", false, "resume from the latest snapshot in --database (env: ULTIMATUM_RESTORE)")
	fs.Uint64Var(&cfg.seed, "seed", 0, "seed for pairing draws, 0 for random (env: ULTIMATUM_SEED)")
	fs.IntVar(&cfg.subRounds, "sub-rounds", 4, "sub-rounds per treatment (env: ULTIMATUM_SUB_ROUNDS)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: ULTIMATUM_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: ULTIMATUM_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: ULTIMATUM_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: ULTIMATUM_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("ultimatum v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
