package worker

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/datarun/lmis/internal/config"
	"github.com/datarun/lmis/internal/db"
	"github.com/datarun/lmis/internal/dispatcher"
	"github.com/datarun/lmis/internal/kafka"
	"github.com/datarun/lmis/internal/lock"
	"github.com/datarun/lmis/internal/logger"
	"github.com/datarun/lmis/internal/metrics"
	"github.com/datarun/lmis/internal/repository"
	"github.com/datarun/lmis/internal/worker"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the relay loop (ticker, Kafka trigger and stuck-record sweep)",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd, true)
		if err != nil {
			return err
		}
		defer env.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		relay, err := env.relay()
		if err != nil {
			return err
		}
		sweeper := env.sweeper()

		g, gctx := errgroup.WithContext(ctx)
		if env.cfg.Kafka.Enabled() {
			consumer := kafka.NewConsumer(env.cfg.Kafka)
			env.closers = append(env.closers, consumer)

			trigger := worker.NewTrigger(consumer, env.log)
			relay.Trigger = trigger.C()
			g.Go(func() error { return trigger.Run(gctx) })
		}
		g.Go(func() error { return relay.Run(gctx) })
		g.Go(func() error { return sweeper.Run(gctx) })

		env.log.Info("relay started",
			zap.String("destination", env.cfg.Destination.URL),
			zap.Duration("interval", relay.Interval),
			zap.Int("batch_size", relay.BatchSize),
			zap.Int("workers", relay.Workers),
			zap.Bool("kafka_trigger", env.cfg.Kafka.Enabled()),
		)
		return g.Wait()
	},
}

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Process one batch of RECEIVED records and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd, true)
		if err != nil {
			return err
		}
		defer env.Close()

		relay, err := env.relay()
		if err != nil {
			return err
		}
		st, err := relay.RunOnce(cmd.Context())
		env.log.Info("run finished",
			zap.Int("listed", st.Listed), zap.Int("sent", st.Sent),
			zap.Int("failed", st.Failed), zap.Int("skipped", st.Skipped), zap.Int("deferred", st.Deferred))
		if err != nil {
			return fmt.Errorf("relay run: %w", err)
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release PROCESSING records stuck longer than worker.stuck_after",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd, false)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.sweeper().SweepOnce(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf(">> released %d stuck records\n", n)
		return nil
	},
}

// runtime holds what every worker command opens.
type runtime struct {
	cfg     config.Config
	log     *zap.Logger
	db      *sqlx.DB
	redis   *redis.Client
	inbox   *repository.InboxRepositoryImpl
	closers []io.Closer
}

func setup(cmd *cobra.Command, relay bool) (*runtime, error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if relay {
		if err := cfg.ValidateRelay(); err != nil {
			return nil, err
		}
	}

	lg, err := logger.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	metrics.MustRegister(prometheus.DefaultRegisterer)

	dbx, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, log: lg, db: dbx, closers: []io.Closer{dbx}}

	rdb, err := db.OpenRedis(cfg.Redis)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if rdb != nil {
		rt.redis = rdb
		rt.closers = append(rt.closers, rdb)
	}

	rt.inbox = repository.NewInboxRepository(dbx, repository.NewLogsRepository(dbx))
	return rt, nil
}

func (rt *runtime) relay() (*worker.Relay, error) {
	disp, err := dispatcher.New(dispatcher.Config{
		URL:           rt.cfg.Destination.URL,
		Timeout:       rt.cfg.Destination.Timeout,
		Headers:       rt.cfg.Destination.Headers,
		FailThreshold: rt.cfg.Destination.Breaker.FailThreshold,
		OpenFor:       rt.cfg.Destination.Breaker.OpenFor,
		OnBreakerChange: func(from, to dispatcher.BreakerState) {
			rt.log.Warn("destination breaker changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	if err != nil {
		return nil, err
	}

	contracts := repository.NewCachedContractsRepository(
		repository.NewContractsRepository(rt.db), rt.redis, rt.cfg.Redis.ContractTTL)

	r := worker.NewRelay(rt.inbox, contracts, disp, rt.log)
	// tune knobs
	if rt.cfg.Worker.BatchSize > 0 {
		r.BatchSize = rt.cfg.Worker.BatchSize
	}
	if rt.cfg.Worker.Workers > 0 {
		r.Workers = rt.cfg.Worker.Workers
	}
	if rt.cfg.Worker.Interval > 0 {
		r.Interval = rt.cfg.Worker.Interval
	}
	if rt.cfg.Destination.Timeout > 0 {
		r.FinalizeWait = rt.cfg.Destination.Timeout
	}
	return r, nil
}

func (rt *runtime) sweeper() *worker.Sweeper {
	var locker lock.Locker
	if rt.redis != nil {
		locker = lock.NewRedisLocker(rt.redis)
	}
	s := worker.NewSweeper(rt.inbox, locker, rt.cfg.Worker.StuckAfter, rt.log)
	if rt.cfg.Worker.SweepInterval > 0 {
		s.Interval = rt.cfg.Worker.SweepInterval
	}
	return s
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i].Close()
	}
	_ = rt.log.Sync()
}
