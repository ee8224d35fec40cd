// Command dispatchworker is the process entry point: it loads
// configuration, connects to SQS and the configured databases, starts
// the metrics/healthz server, and runs the fetcher/worker supervisor
// until an interrupt signal arrives. Grounded on
// original_source/dispatch/worker.py's main() for the flag surface,
// translated from argparse to spf13/cobra (the teacher's own CLI
// idiom, see zjrosen-perles).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hatsunemiku3939/dispatch"
	"github.com/hatsunemiku3939/dispatch/config"
	"github.com/hatsunemiku3939/dispatch/db"
	"github.com/hatsunemiku3939/dispatch/metrics"
	"github.com/hatsunemiku3939/dispatch/queue"
	"github.com/hatsunemiku3939/dispatch/worker"
)

type flags struct {
	settingsFile string
	workers      int
	maxWorkers   int
	loopCount    int
	numMessages  int32
	getWaitTime  int32
	metricsAddr  string
}

func main() {
	f := &flags{}
	root := &cobra.Command{
		Use:   "dispatchworker",
		Short: "Runs the dispatch task-worker supervisor.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.Flags().StringVar(&f.settingsFile, "settings", os.Getenv("SETTINGS_MODULE"), "path to a YAML/JSON settings file")
	root.Flags().IntVarP(&f.workers, "workers", "w", runtime.NumCPU(), "number of worker goroutines")
	root.Flags().IntVarP(&f.maxWorkers, "max-workers", "m", 0, "upper bound on workers (0 disables the cap)")
	root.Flags().IntVar(&f.loopCount, "loop-count", 0, "how many times each fetcher polls before exiting (0 is unbounded)")
	root.Flags().Int32VarP(&f.numMessages, "num-messages", "n", 5, "messages to request per fetch")
	root.Flags().Int32Var(&f.getWaitTime, "get-wait-time", 2, "seconds to long-poll for messages")
	root.Flags().StringVar(&f.metricsAddr, "metrics-addr", ":9090", "address for the /healthz and /metrics server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := config.Load(f.settingsFile)
	if err != nil {
		return err
	}
	dispatch.SetDefaultSynchronous(cfg.Synchronous)
	if err := dispatch.ValidateTasksRegistered(cfg.Tasks); err != nil {
		return err
	}

	workers := f.workers
	if f.maxWorkers > 0 && workers > f.maxWorkers {
		workers = f.maxWorkers
	}

	gw, err := queue.NewSQSGateway(ctx)
	if err != nil {
		return err
	}

	dbEntries := make([]db.Entry, 0, len(cfg.DBs))
	for _, name := range cfg.DBs {
		dbEntries = append(dbEntries, db.Entry{Name: name, Driver: db.DriverPostgres, DSN: os.Getenv("DISPATCH_DB_DSN_" + name)})
	}
	dbRegistry, err := db.Open(dbEntries)
	if err != nil {
		return err
	}
	defer dbRegistry.Close()
	dispatch.BindAllDBs(dbRegistry.AsDBs())

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	metricsServer := metrics.NewServer(f.metricsAddr, reg)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "dispatch: metrics server: %v\n", err)
		}
	}()
	defer metricsServer.Shutdown(context.Background())

	consumer := dispatch.NewConsumer(gw, dispatch.DefaultFailurePolicy{})
	consumer.OnResult(func(taskName string, receipt string, err error) {
		if err != nil {
			m.TaskErrors.WithLabelValues(taskName).Inc()
		}
	})

	handler := worker.HandlerFunc(func(ctx context.Context, body string, receipt string) int {
		return int(consumer.Handle(ctx, body, receipt))
	})

	supervisor := worker.NewSupervisor(gw, handler, workers, f.numMessages, f.getWaitTime, cfg.AWS.SQS.VisibilityTimeout,
		worker.WithLoopCount(f.loopCount),
		worker.WithMetrics(m),
	)

	routeQueues := make([]string, 0, len(cfg.Routes))
	seen := map[string]bool{}
	for _, q := range cfg.Routes {
		if !seen[q] {
			seen[q] = true
			routeQueues = append(routeQueues, q)
		}
	}

	defer dispatch.ClosePublisher(context.Background(), gw)
	return supervisor.Run(ctx, routeQueues)
}
