package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/leadpipe/drip/internal/api"
	"github.com/leadpipe/drip/internal/config"
	"github.com/leadpipe/drip/internal/dao"
	"github.com/leadpipe/drip/internal/engine"
	"github.com/leadpipe/drip/internal/metrics"
	"github.com/leadpipe/drip/internal/transport"
	"github.com/leadpipe/drip/tools"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:   "dripd",
		Usage:  "a deliverability-aware outbound campaign dispatcher",
		Action: start,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Action: start,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func start(c *cli.Context) error {
	cfg := config.Get()

	l := log.New()
	l.AddHook(tools.LoggerWho{Name: "dripd"})
	lc := tools.LoggerCloner(l)

	var stopServer func()
	c.Context, stopServer = context.WithCancel(c.Context)
	defer stopServer()

	l.Infof("starting dripd")

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		l.WithError(err).Fatal("could not open database")
	}

	m := metrics.New(metrics.Config{
		Poll:         cfg.MetricsPoll,
		PollUser:     cfg.MetricsPollUser,
		PollPassword: cfg.MetricsPollPassword,
	}, lc)

	chain := &transport.Chain{Log: lc.New("transport")}
	if cfg.DryRun {
		l.Warn("dry-run is enabled, sends are logged instead of delivered")
		dry := transport.DryRun{Log: chain.Log}
		chain.Primary = dry
		chain.Fallback = dry
	} else {
		chain.Primary = transport.NewSMTP(chain.Log)
	}

	eng := engine.New(engine.Config{
		Hostname:            cfg.Hostname,
		CampaignBatch:       cfg.CampaignBatch,
		EnrollmentBatch:     cfg.EnrollmentBatch,
		RetryBatch:          cfg.RetryBatch,
		GlobalRatePerMinute: cfg.GlobalRatePerMinute,
		MaxInlineWait:       cfg.MaxInlineWait,
		HealthRatio:         cfg.HealthRatio,
		HealthMinAttempts:   cfg.HealthMinAttempts,
		HealthCheckEvery:    cfg.HealthCheckEvery,
		DuplicateWindow:     cfg.DuplicateWindow,
		DuplicateSlowAfter:  cfg.DuplicateSlowAfter,
		ReaperAge:           cfg.ReaperAge,
	}, db, engine.Options{
		Chain:   chain,
		Metrics: m,
		Log:     lc.New("engine"),
	})

	server := api.New(cfg, eng, m, lc)
	go func() {
		err := server.Start()
		if err != nil {
			l.WithError(err).Error("api server stopped")
		}
		stopServer()
	}()

	services := []Stoppable{server}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	select {
	case sig := <-sigc:
		l.Infof("got signal: %s, shutting down", sig)
	case <-c.Context.Done():
		l.Info("server stopped, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("failed to stop service")
			}
		}(service)
	}

	go func() {
		<-shutdownCtx.Done()
		if shutdownCtx.Err() == context.DeadlineExceeded {
			l.Warn("shutdown was forced, terminating now")
			os.Exit(1)
		}
	}()

	wg.Wait()
	l.Infof("shutdown complete")
	return nil
}

type Stoppable interface {
	Stop(ctx context.Context) error
}
