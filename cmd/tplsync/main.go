package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sloppy/tplsync/internal/audit"
	"github.com/sloppy/tplsync/internal/config"
	"github.com/sloppy/tplsync/internal/db"
	"github.com/sloppy/tplsync/internal/linkage"
	"github.com/sloppy/tplsync/internal/lock"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	dbPath     string
	logLevel   string
}

func run(args []string, out, errOut io.Writer) int {
	root := newRootCmd(out, errOut)
	if len(args) > 1 {
		root.SetArgs(args[1:])
	} else {
		root.SetArgs([]string{})
	}
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "tplsync",
		Short:         "Template inheritance and host linkage for monitoring configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "configuration file path")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "database file, overrides database.path")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level, overrides logging.level")

	root.AddCommand(
		newServeCmd(flags),
		newImportCmd(flags),
		newExportCmd(flags),
		newHostsCmd(flags),
		newCreateHostCmd(flags),
		newLinkCmd(flags),
		newUnlinkCmd(flags),
		newDeleteHostCmd(flags),
	)
	return root
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.Load(flags.configPath); err != nil {
			return nil, err
		}
	}
	if flags.dbPath != "" {
		cfg.Database.Path = flags.dbPath
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig, errOut io.Writer) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetOutput(errOut)

	if strings.ToLower(cfg.Format) == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}

// env is everything a command needs to talk to the store.
type env struct {
	cfg     *config.Config
	store   *db.DB
	svc     *linkage.Service
	closers []func() error
}

func openEnv(cmd *cobra.Command, flags *globalFlags) (*env, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Logging, cmd.ErrOrStderr())

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	e := &env{cfg: cfg, store: store, closers: []func() error{store.Close}}

	opts := linkage.Options{LockTimeout: cfg.Lock.Timeout, MaxDepth: cfg.Linkage.MaxDepth}
	if cfg.Lock.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.Redis.Addr,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
		})
		e.closers = append(e.closers, client.Close)
		opts.Locker = lock.NewRedis(client, lock.RedisOptions{
			TTL:           cfg.Lock.Redis.TTL,
			RetryInterval: cfg.Lock.Redis.RetryInterval,
		})
	}

	var sinks audit.Multi
	if cfg.Audit.Log {
		sinks = append(sinks, audit.NewLogger())
	}
	if cfg.Audit.Kafka.Enabled {
		k, err := audit.NewKafka(cfg.Audit.Kafka.Brokers, cfg.Audit.Kafka.Topic)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("kafka audit sink: %w", err)
		}
		sinks = append(sinks, k)
		e.closers = append(e.closers, k.Close)
	}
	if len(sinks) > 0 {
		opts.Sink = sinks
	}

	e.svc = linkage.NewService(store, opts)
	return e, nil
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			logrus.WithError(err).Warn("Close failed")
		}
	}
}

// resolve maps technical host names to ids. Unknown names are errors.
func (e *env) resolve(ctx context.Context, names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	err := e.svc.View(ctx, func(ctx context.Context, tx *db.Tx) error {
		for _, name := range names {
			h, found, err := tx.HostByName(ctx, name)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("host %q not found", name)
			}
			ids = append(ids, h.ID)
		}
		return nil
	})
	return ids, err
}
