// Command worker runs a distflow executor process: it dials the master's
// control transport (C1), announces itself, and executes whatever task
// groups the master schedules onto it via the worker-side coordinator,
// partition manager facade (C8) and data channel factory (C4). Entrypoint
// shape grounded on pagerank/main.go's urfave/cli makeApp/runMain pattern.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/distflow/runtime/internal/config"
	"github.com/distflow/runtime/internal/dataplane"
	"github.com/distflow/runtime/internal/observability"
	"github.com/distflow/runtime/internal/partitionmgr/workerside"
	"github.com/distflow/runtime/internal/rpc"
	"github.com/distflow/runtime/internal/stats"
	"github.com/distflow/runtime/internal/taskgroup"
	"github.com/distflow/runtime/internal/worker"
)

var (
	appName = "distflow-worker"
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
		cli.StringFlag{Name: "executor-id", EnvVar: "EXECUTOR_ID", Usage: "This worker's executor id"},
		cli.StringFlag{Name: "master-address", EnvVar: "MASTER_ADDRESS", Usage: "Control transport address of the master"},
		cli.StringFlag{Name: "data-listen-address", EnvVar: "DATA_LISTEN_ADDRESS", Usage: "Address this worker serves block transfers on"},
		cli.StringFlag{Name: "admin-address", EnvVar: "ADMIN_ADDRESS", Value: ":9091", Usage: "Admin HTTP listen address (metrics, health)"},
		cli.IntFlag{Name: "executor-capacity", EnvVar: "EXECUTOR_CAPACITY", Value: 1, Usage: "Max task groups this worker runs concurrently"},
		cli.StringFlag{Name: "peers", EnvVar: "PEERS", Usage: "Comma-separated executorID=dataAddress pairs for resolving cross-stage block transfer peers"},
		cli.DurationFlag{Name: "master-dial-timeout", EnvVar: "MASTER_DIAL_TIMEOUT", Value: 10 * time.Second, Usage: "Timeout for the initial connection to the master"},
	}
	app.Action = runMain
	return app
}

func runMain(appCtx *cli.Context) error {
	cfg := &config.WorkerConfig{
		ExecutorID:        appCtx.String("executor-id"),
		MasterAddress:     appCtx.String("master-address"),
		DataListenAddress: appCtx.String("data-listen-address"),
		ExecutorCapacity:  appCtx.Int("executor-capacity"),
		Logger:            logger,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerPool := new(observability.TracerPool)
	defer func() { _ = tracerPool.Close() }()
	if _, err := tracerPool.NewTracer(appName + "-" + cfg.ExecutorID); err != nil {
		logger.WithField("err", err).Warn("continuing without a tracer")
	}

	transport := rpc.NewTransport(cfg.Logger)
	defer func() { _ = transport.Close() }()

	dialCtx, dialCancel := context.WithTimeout(ctx, appCtx.Duration("master-dial-timeout"))
	defer dialCancel()
	conn, err := transport.Dial(dialCtx, cfg.MasterAddress, cfg.ExecutorID)
	if err != nil {
		return xerrors.Errorf("dialing master at %q: %w", cfg.MasterAddress, err)
	}

	facade := workerside.New(cfg.ExecutorID, conn, cfg.Logger)
	peers := parsePeers(appCtx.String("peers"))
	dialer := dataplane.NewRetryingDialer(clock.WallClock, peers, 5)
	pool := taskgroup.NewPool(cfg.ExecutorCapacity)
	counters := new(stats.Counters)

	store := dataplane.NewBlockStore()
	dataListener, err := net.Listen("tcp", cfg.DataListenAddress)
	if err != nil {
		return xerrors.Errorf("data transport: listening on %q: %w", cfg.DataListenAddress, err)
	}
	dataServer := dataplane.NewServer(dataListener, store, cfg.Logger)
	go func() {
		if err := dataServer.Serve(ctx); err != nil {
			logger.WithField("err", err).Warn("data transport stopped")
		}
	}()

	coordinator := worker.New(cfg.ExecutorID, facade, dialer, store, pool, unregisteredSource, unregisteredTransform, counters, conn, cfg.Logger)
	transport.RegisterListener(rpc.ListenerExecutor, worker.NewScheduleListener(ctx, cfg.ExecutorID, coordinator, cfg.Logger))

	admin := observability.NewAdminServer("worker")
	go func() {
		if err := admin.Serve(ctx, appCtx.String("admin-address")); err != nil {
			logger.WithField("err", err).Warn("admin server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.WithField("master", cfg.MasterAddress).Info("connected to master, awaiting task groups")
	<-sigCh
	logger.Info("shutting down on signal")
	cancel()
	return nil
}

// staticAddressBook is the minimal dataplane.AddressBook a single-process
// deployment needs: a fixed executorID -> data address map supplied at
// startup. A production deployment resolves this dynamically instead, but
// peer discovery is outside this runtime's scope (§1 excludes cluster
// membership/discovery as a collaborator).
type staticAddressBook map[string]string

func (b staticAddressBook) DataAddress(executorID string) (string, error) {
	addr, ok := b[executorID]
	if !ok {
		return "", xerrors.Errorf("no known data address for executor %q", executorID)
	}
	return addr, nil
}

func parsePeers(raw string) staticAddressBook {
	book := make(staticAddressBook)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		book[kv[0]] = kv[1]
	}
	return book
}

func unregisteredSource(sourceID string) (taskgroup.SourceReader, error) {
	return nil, xerrors.Errorf("no source registered for id %q", sourceID)
}

func unregisteredTransform(transformID string) (taskgroup.Transform, error) {
	return nil, xerrors.Errorf("no transform registered for id %q", transformID)
}
