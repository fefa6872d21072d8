// Command sysadmd is a minimal bootstrap binary demonstrating the
// sysadm core: it wires the Dispatcher and Event Watcher together and
// exposes a Prometheus /metrics endpoint. It is not a transport
// implementation — the REST/WebSocket API remains an external
// collaborator (spec.md §1).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"

	"github.com/cloudbsdorg/sysadm/internal/logging"
	"github.com/cloudbsdorg/sysadm/internal/metrics"
	"github.com/cloudbsdorg/sysadm/internal/sysadm/configstore"
	"github.com/cloudbsdorg/sysadm/internal/sysadm/dispatcher"
	"github.com/cloudbsdorg/sysadm/internal/sysadm/event"
)

var log = logging.New(os.Stdout, "sysadmd")

func main() {
	if err := run(); err != nil {
		log.Errorf("running: %v", err)
		os.Exit(1)
	}
	log.Infof("stopping service")
}

func run() error {
	log.Infof("starting service: configuration initializing")

	cfg := struct {
		Store struct {
			Path string `conf:"env:SYSADM_STORE_PATH,default:/var/db/sysadm/state.json"`
		}
		Metrics struct {
			ListenAddr string `conf:"env:SYSADM_METRICS_ADDR,default::9110"`
		}
		Queues struct {
			Pkg string `conf:"env:SYSADM_QUEUE_PKG,default:serial"`
			Zfs string `conf:"env:SYSADM_QUEUE_ZFS,default:serial"`
		}
		Tail struct {
			ReplicationLog string `conf:"env:SYSADM_TAIL_REPLICATION_LOG,default:/var/log/sysadm/replication.log"`
		}
	}{}

	help, err := conf.Parse("SYSADM", &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}
	cfgString, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("config to string: %w", err)
	}
	log.Infof("starting service: configuration\n%s", cfgString)

	store, err := configstore.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}

	recorder := metrics.New()

	shutdownCtx, shutdown := context.WithCancel(context.Background())

	d := dispatcher.New(shutdownCtx, dispatcher.Config{
		Queues: map[string]dispatcher.Policy{
			"pkg": dispatcher.Policy(cfg.Queues.Pkg),
			"zfs": dispatcher.Policy(cfg.Queues.Zfs),
		},
		Metrics:  recorder,
		Notifier: dispatcher.DefaultNotifier,
	})

	watcher := event.New()
	watcher.Metrics = recorder
	watcherDone := make(chan struct{})
	go watcher.Run(watcherDone)

	inventory := event.NewInventory(watcher, store, recorder)
	inventory.WireDispatcher(shutdownCtx, d)
	if cfg.Tail.ReplicationLog != "" {
		inventory.AddLogFile(shutdownCtx, "replication", cfg.Tail.ReplicationLog)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	metricsServer := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("starting service: listening on %s", cfg.Metrics.ListenAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-terminate:
		log.Infof("stopping service: received signal %v", sig)
	case err := <-serverErr:
		log.Errorf("stopping service: metrics server error: %v", err)
	}

	shutdown()
	close(watcherDone)

	shutdownTimeout := 30 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	d.Shutdown(ctx)
	_ = metricsServer.Shutdown(ctx)

	return nil
}
