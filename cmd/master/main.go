// Command master runs the distflow master node: the control transport
// listener (C1), partition manager (C3) and job coordinator that schedules
// task groups onto connected workers. Entrypoint shape grounded on
// pagerank/main.go's urfave/cli makeApp/runMain pattern, generalized from a
// combined master-or-worker binary to a master-only one.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/distflow/runtime/internal/config"
	"github.com/distflow/runtime/internal/job"
	"github.com/distflow/runtime/internal/master"
	"github.com/distflow/runtime/internal/observability"
	"github.com/distflow/runtime/internal/partitionmgr"
	"github.com/distflow/runtime/internal/rpc"
)

var (
	appName = "distflow-master"
	appSha  = "populated-at-link-time"
	logger  *logrus.Entry
)

func main() {
	host, _ := os.Hostname()
	root := logrus.New()
	root.SetFormatter(new(logrus.JSONFormatter))
	logger = root.WithFields(logrus.Fields{"app": appName, "host": host})

	if err := makeApp().Run(os.Args); err != nil {
		logger.WithField("err", err).Error("shutting down due to error")
		_ = os.Stderr.Sync()
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen-address", EnvVar: "LISTEN_ADDRESS", Value: ":8080", Usage: "Control transport listen address"},
		cli.StringFlag{Name: "admin-address", EnvVar: "ADMIN_ADDRESS", Value: ":9090", Usage: "Admin HTTP listen address (metrics, health)"},
		cli.DurationFlag{Name: "block-location-timeout", EnvVar: "BLOCK_LOCATION_TIMEOUT", Value: 0, Usage: "Validated (must not be negative) but not applied to location requests"},
	}
	app.Action = runMain
	return app
}

func runMain(appCtx *cli.Context) error {
	cfg := &config.MasterConfig{
		ListenAddress:        appCtx.String("listen-address"),
		BlockLocationTimeout: appCtx.Duration("block-location-timeout"),
		Logger:               logger,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid master config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerPool := new(observability.TracerPool)
	defer func() { _ = tracerPool.Close() }()

	transport := rpc.NewTransport(cfg.Logger)
	defer func() { _ = transport.Close() }()
	if tracer, err := tracerPool.NewTracer(appName); err != nil {
		logger.WithField("err", err).Warn("continuing without a tracer")
	} else {
		transport.SetTracer(tracer)
	}

	manager := partitionmgr.New(cfg.Logger)
	_ = master.New(transport, manager, roundRobinAssigner(transport), cfg.Logger)

	admin := observability.NewAdminServer("master")
	go func() {
		if err := admin.Serve(ctx, appCtx.String("admin-address")); err != nil {
			logger.WithField("err", err).Warn("admin server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- transport.Serve(cfg.ListenAddress) }()

	logger.WithField("address", cfg.ListenAddress).Info("master listening for executor connections")

	select {
	case <-sigCh:
		logger.Info("shutting down on signal")
		cancel()
		return nil
	case err := <-errCh:
		return fmt.Errorf("control transport stopped: %w", err)
	}
}

// roundRobinAssigner is a minimal master.Assigner that cycles through
// currently connected executors, standing in for the excluded external
// scheduling policy (§1).
func roundRobinAssigner(transport *rpc.Transport) master.Assigner {
	var mu sync.Mutex
	var next int
	return func(_ job.TaskGroupDescriptor) (string, error) {
		mu.Lock()
		defer mu.Unlock()

		ids := transport.ConnIDs()
		if len(ids) == 0 {
			return "", xerrors.Errorf("no connected executors to assign a task group to")
		}
		executorID := ids[next%len(ids)]
		next++
		return executorID, nil
	}
}
