package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andrej220/hexactl/internal/lg"
	"github.com/andrej220/hexactl/internal/persistence"
	"github.com/andrej220/hexactl/internal/queue"
	"github.com/andrej220/hexactl/internal/remote"
	"github.com/andrej220/hexactl/internal/runner"
	"github.com/andrej220/hexactl/pkg/config"
	"github.com/andrej220/hexactl/pkg/registry"
)

const (
	serviceName = "hexactl"
	envPrefix   = "HEXACTL"
)

// exitError makes the process exit with code. err, when set, is printed.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type registryConfig struct {
	Store string             `mapstructure:"store"`
	Path  string             `mapstructure:"path"`
	Mongo config.MongoConfig `mapstructure:"mongo"`
}

type sshConfig struct {
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ConnectRetries uint64        `mapstructure:"connect_retries"`
}

type serverConfig struct {
	Port string `mapstructure:"port"`
}

// Configuration is the CLI's own settings, read from an optional config
// file and HEXACTL_* environment variables. The registry document is
// separate and lives in the configured store.
type Configuration struct {
	Registry        registryConfig `mapstructure:"registry"`
	LogFormat       string         `mapstructure:"log_format"`
	Debug           bool           `mapstructure:"debug"`
	PollInterval    time.Duration  `mapstructure:"poll_interval"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout"`
	MaxRuns         int            `mapstructure:"max_runs"`
	ReportDir       string         `mapstructure:"report_dir"`
	SSH             sshConfig      `mapstructure:"ssh"`
	Server          serverConfig   `mapstructure:"server"`
	Kafka           queue.Config   `mapstructure:"kafka"`
}

func defaults() map[string]any {
	return map[string]any{
		"registry.store":          "file",
		"registry.path":           "",
		"registry.mongo.uri":      "mongodb://localhost:27017",
		"registry.mongo.dbname":   "hexactl",
		"registry.mongo.collname": "registry",
		"registry.mongo.id":       "default",
		"log_format":              "console",
		"debug":                   false,
		"poll_interval":           runner.DefaultPollInterval,
		"shutdown_timeout":        runner.DefaultShutdownTimeout,
		"max_runs":                runner.DefaultMaxRuns,
		"report_dir":              "",
		"ssh.dial_timeout":        remote.DefaultDialTimeout,
		"ssh.connect_retries":     2,
		"server.port":             "8081",
		"kafka.brokers":           []string{},
		"kafka.group_id":          serviceName,
		"kafka.requests_topic":    "hexactl.run-requests",
		"kafka.events_topic":      "hexactl.run-events",
	}
}

type application struct {
	root       *cobra.Command
	v          *viper.Viper
	cfg        Configuration
	logger     lg.Logger
	configFile string
	stdout     io.Writer
	stderr     io.Writer
}

func newApplication(stdout, stderr io.Writer) *application {
	app := &application{
		v:      viper.New(),
		logger: lg.Discard,
		stdout: stdout,
		stderr: stderr,
	}

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Run measurement procedures on Hexacontroller targets or locally",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.initialize(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = app.logger.Sync()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&app.configFile, "config", "", "Path to a hexactl settings file (YAML or JSON).")
	flags.String("registry", "", "Path to the procedure/target registry document.")
	flags.String("log-format", "", "Log encoding: console or json.")
	flags.Bool("debug", false, "Enable debug logging.")
	flags.Duration("poll-interval", 0, "How often running commands are polled for output.")
	_ = app.v.BindPFlag("registry.path", flags.Lookup("registry"))
	_ = app.v.BindPFlag("log_format", flags.Lookup("log-format"))
	_ = app.v.BindPFlag("debug", flags.Lookup("debug"))
	_ = app.v.BindPFlag("poll_interval", flags.Lookup("poll-interval"))

	root.AddCommand(
		app.runCommand(),
		app.serveCommand(),
		app.probeCommand(),
		app.serviceCommand(),
		app.listCommand(),
	)
	app.root = root
	return app
}

func (a *application) execute(args []string) error {
	a.root.SetArgs(args)
	return a.root.ExecuteContext(context.Background())
}

func (a *application) initialize(cmd *cobra.Command) error {
	v := a.v
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	if a.configFile != "" {
		v.SetConfigFile(a.configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to load configuration: %w", err)
		}
	}
	if err := v.Unmarshal(&a.cfg); err != nil {
		return fmt.Errorf("unable to parse configuration: %w", err)
	}

	a.logger = lg.New(&lg.Config{ServiceName: serviceName, Debug: a.cfg.Debug, Format: a.cfg.LogFormat})
	a.logger.Debug("configuration initialized", lg.String("command", cmd.Name()), lg.String("config_file", v.ConfigFileUsed()))
	return nil
}

// openRegistry opens the configured store. The returned close function
// releases store connections.
func (a *application) openRegistry(ctx context.Context) (*registry.Live, func(), error) {
	storeType, err := config.ParseStoreType(a.cfg.Registry.Store)
	if err != nil {
		return nil, nil, err
	}

	var storeCfg any
	switch storeType {
	case config.MongoStore:
		mongoCfg := a.cfg.Registry.Mongo
		storeCfg = &mongoCfg
	default:
		path := a.cfg.Registry.Path
		if path == "" {
			if path, err = registry.DefaultPath(); err != nil {
				return nil, nil, err
			}
			created, err := registry.CreateDefault(path)
			if err != nil {
				return nil, nil, err
			}
			if created {
				a.logger.Info("created empty registry document", lg.String("path", path))
			}
		}
		storeCfg = &config.FileConfig{Path: path}
	}

	store, err := config.NewStore(storeType, storeCfg)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if c, ok := store.(interface{ Close(context.Context) error }); ok {
			if err := c.Close(context.WithoutCancel(ctx)); err != nil {
				a.logger.Warn("failed to close registry store", lg.Err(err))
			}
		}
	}
	live, err := registry.NewLive(store, a.logger)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("load registry: %w", err)
	}
	return live, closeStore, nil
}

func (a *application) sessionOptions() remote.Options {
	return remote.Options{
		DialTimeout:    a.cfg.SSH.DialTimeout,
		ConnectRetries: a.cfg.SSH.ConnectRetries,
		Logger:         a.logger,
	}
}

func (a *application) newRunner(onFinish func(*runner.Run)) *runner.Runner {
	reports := a.reportStore()
	return runner.New(runner.Config{
		PollInterval:    a.cfg.PollInterval,
		ShutdownTimeout: a.cfg.ShutdownTimeout,
		MaxRuns:         a.cfg.MaxRuns,
		NewSession:      runner.SSHSessions(a.sessionOptions()),
		Logger:          a.logger,
		OnFinish: func(run *runner.Run) {
			if reports != nil {
				reports.Record(run)
			}
			if onFinish != nil {
				onFinish(run)
			}
		},
	})
}

func (a *application) reportStore() *persistence.ReportStore {
	if a.cfg.ReportDir == "" {
		return nil
	}
	return persistence.NewReportStore(a.cfg.ReportDir, a.logger)
}

var errNotRemote = errors.New("target is not a remote Hexacontroller")
