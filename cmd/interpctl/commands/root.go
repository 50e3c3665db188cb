package commands

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	_ "github.com/go-sql-driver/mysql"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/mohans/interpx/internal/config"
	"github.com/mohans/interpx/internal/logging"
	"github.com/mohans/interpx/interp"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configFile string
	serverURL  string
	journal    bool

	cfg *config.Config
	log *logrus.Logger
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "interpctl",
		Short:         "Submit frame interpolation jobs and follow them to completion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&a.serverURL, "server", "", "service base url, overrides server.url")
	rootCmd.PersistentFlags().BoolVar(&a.journal, "journal", false, "record tracked jobs in the store")

	rootCmd.AddCommand(
		newVideoCommand(a),
		newFramesCommand(a),
		newStatusCommand(a),
		newWatchCommand(a),
		newDownloadCommand(a),
		newJournalCommand(a),
		newWorkerCommand(a),
	)
	return rootCmd
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.serverURL != "" {
		cfg.Server.URL = a.serverURL
	}
	log, err := logging.NewWithOutput(cfg.Logger.Level, cfg.Logger.Format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	return nil
}

func (a *app) client() (*interp.Client, error) {
	return interp.NewClient(a.cfg.Server.URL, interp.ClientOptions{
		Timeout: a.cfg.Server.Timeout,
		Breaker: interp.BreakerOptions{
			ConsecutiveFailures: a.cfg.Breaker.ConsecutiveFailures,
			Cooldown:            a.cfg.Breaker.Cooldown,
		},
		Logger: a.log,
	})
}

// trackerOptions prints every observed status to out.
func (a *app) trackerOptions(out io.Writer) interp.TrackerOptions {
	return interp.TrackerOptions{
		Interval: a.cfg.Poll.Interval,
		Retry:    interp.RetryPolicy{MaxConsecutiveFailures: a.cfg.Poll.MaxFailures},
		Logger:   a.log,
		OnUpdate: func(job interp.JobDescriptor) {
			fmt.Fprintf(out, "job %s: %s\n", job.ID, job.Status)
		},
	}
}

// openStore opens and migrates the journal. The returned func closes it.
func (a *app) openStore(ctx context.Context) (*interp.SQLStore, func(), error) {
	db, err := sql.Open(a.cfg.Store.Driver, a.cfg.Store.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", a.cfg.Store.Driver, err)
	}
	store := interp.NewSQLStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate store: %w", err)
	}
	return store, func() { db.Close() }, nil
}

func (a *app) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	}
}
