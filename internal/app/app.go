package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"linewatch/internal/bridge"
	"linewatch/internal/broker"
	"linewatch/internal/config"
	"linewatch/internal/db"
	"linewatch/internal/ingest"
	"linewatch/internal/metrics"
	"linewatch/internal/notifier"
	"linewatch/internal/retention"
	"linewatch/internal/supervisor"
	"linewatch/internal/web"
	"linewatch/internal/worker"
)

const (
	bridgePoll        = time.Second
	retentionInterval = 6 * time.Hour
	gaugeInterval     = 5 * time.Second
)

type App struct {
	cfg config.Config
	log *slog.Logger

	db         *db.Repository
	metrics    *metrics.Metrics
	broker     *broker.Client
	ingest     *ingest.Client
	pool       *worker.Pool
	bridge     *bridge.Bridge
	supervisor *supervisor.Supervisor
	notify     *notifier.Dispatcher
	retention  *retention.Service

	httpSrv *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	sqldb, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(sqldb); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	if cfg.AlarmRulesFile != "" {
		rules, err := db.LoadRuleFile(cfg.AlarmRulesFile)
		if err != nil {
			_ = sqldb.Close()
			return nil, err
		}
		n, err := db.SeedRules(context.Background(), sqldb, rules)
		if err != nil {
			_ = sqldb.Close()
			return nil, err
		}
		logger.Info("alarm rules seeded", "file", cfg.AlarmRulesFile, "defined", len(rules), "inserted", n)
	}
	repo := db.NewRepository(sqldb)
	m := metrics.New()

	bc := broker.New(broker.Config{
		URL:        cfg.BrokerURL,
		Username:   cfg.BrokerUsername,
		Password:   cfg.BrokerPassword,
		ClientName: cfg.BrokerClientID,
	}, logger.With("module", "broker"))
	in := ingest.New(bc, ingest.Options{Subject: cfg.BrokerSubject}, logger.With("module", "ingest"), m)

	tg := notifier.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID)
	dispatcher := notifier.NewDispatcher(tg, 256, logger.With("module", "notifier"), m)

	pool := worker.NewPool(repo, worker.Config{
		Workers:          cfg.Workers,
		BatchSize:        cfg.BatchSize,
		PollInterval:     cfg.PollInterval.Std(),
		CooperativeGrace: cfg.CooperativeGrace.Std(),
		TerminateGrace:   cfg.TerminateGrace.Std(),
	}, logger.With("module", "worker"), m, dispatcher)

	br := bridge.New(bridge.NewHub(logger.With("module", "hub"), m), bridgePoll, logger.With("module", "bridge"))
	sup := supervisor.New(supervisor.Config{
		TaskQueueSize:      cfg.TaskQueueSize,
		BroadcastQueueSize: cfg.BroadcastQueueSize,
		StartupTimeout:     cfg.StartupTimeout.Std(),
	}, in, pool, br, logger.With("module", "supervisor"))
	br.SetStatusSource(func() any { return sup.Status() })

	w := web.NewServer(repo, sup, br, m.Handler(), logger.With("module", "web"))

	if tg.Enabled() {
		logger.Info("telegram notifications enabled")
	}
	a := &App{
		cfg:        cfg,
		log:        logger,
		db:         repo,
		metrics:    m,
		broker:     bc,
		ingest:     in,
		pool:       pool,
		bridge:     br,
		supervisor: sup,
		notify:     dispatcher,
		retention:  retention.NewService(repo, cfg.RetentionDays, logger.With("module", "retention")),
	}
	a.httpSrv = &http.Server{Addr: cfg.Addr, Handler: w.Routes(), ReadHeaderTimeout: 10 * time.Second}
	return a, nil
}

// Run serves HTTP and runs the pipeline until ctx is cancelled or the
// pipeline fails to start.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server listening", "addr", a.cfg.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	// Notifications outlive the pipeline so alarms raised while workers stop
	// still go out.
	notifyCtx, stopNotify := context.WithCancel(context.WithoutCancel(ctx))
	defer stopNotify()
	go a.notify.Run(notifyCtx)

	g.Go(func() error {
		a.retention.Loop(gctx, retentionInterval)
		return nil
	})
	g.Go(func() error {
		a.sampleGauges(gctx)
		return nil
	})
	g.Go(func() error {
		defer a.shutdown()
		// Workers get the cooperative stop from Stop, not from ctx.
		if err := a.supervisor.Start(context.WithoutCancel(gctx)); err != nil {
			return fmt.Errorf("start pipeline: %w", err)
		}
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	stopNotify()
	<-a.notify.Done()
	if cerr := a.db.DB().Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (a *App) shutdown() {
	a.log.Info("shutting down")
	a.supervisor.Stop()
	a.bridge.Hub().CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		a.log.Warn("http shutdown", "err", err)
	}
}

func (a *App) sampleGauges(ctx context.Context) {
	t := time.NewTicker(gaugeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := a.supervisor.Status()
			a.metrics.SetQueueDepth("task", st.QueueDepth)
			a.metrics.SetQueueDepth("broadcast", st.BroadcastDepth)
		}
	}
}
