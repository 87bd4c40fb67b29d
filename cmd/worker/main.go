// Command worker runs one or more dispatch loops against a named
// queue, processing string-keyed JSON payloads with a demonstration
// handler set.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaygo/bullq/internal/config"
	"github.com/relaygo/bullq/internal/logger"
	"github.com/relaygo/bullq/internal/metrics"
	"github.com/relaygo/bullq/pkg/bullq"
)

// Task is the demonstration payload type this worker processes.
// Replace with your own job payload.
type Task struct {
	Kind string          `json:"kind"`
	Args json.RawMessage `json:"args"`
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	workerCfg, err := config.LoadWorkerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load worker config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	workerLog := log.WithComponent(logger.ComponentWorker).WithSource(logger.LogSourceInternal)
	workerLog.Info("worker starting",
		"queue", cfg.QueueName,
		"concurrency", workerCfg.Concurrency,
		"force_sequential", workerCfg.ForceSequentialProcessing,
		"redis_url", cfg.RedisURL)

	pprofPort := envOr("PPROF_PORT", "6061")
	go func() {
		workerLog.Info("starting pprof server", "port", pprofPort)
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			workerLog.Error("pprof server failed", "error", err)
		}
	}()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		workerLog.Error("failed to parse redis url", "error", err)
		os.Exit(1)
	}
	client := redis.NewClient(opts)
	defer func() {
		if err := client.Close(); err != nil {
			workerLog.Error("failed to close redis client", "error", err)
		}
	}()

	q := bullq.New[Task](client, cfg.QueueName, bullq.JSON[Task](), log)
	q.On(bullq.Completed, func(ev bullq.Event) {
		workerLog.Info("job completed", "job_id", ev.JobID)
	})
	q.On(bullq.Failed, func(ev bullq.Event) {
		workerLog.Error("job failed", "job_id", ev.JobID, "error", ev.Err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	runOpts := bullq.RunOptions{ForceSequentialProcessing: workerCfg.ForceSequentialProcessing}
	for i := 0; i < workerCfg.Concurrency; i++ {
		wg.Add(1)
		go func(loopID int) {
			defer wg.Done()
			if err := q.Run(ctx, handleTask, runOpts); err != nil && ctx.Err() == nil {
				workerLog.Error("dispatch loop exited", "worker_id", loopID, "error", err)
			}
		}(i)
	}

	go logMetricsPeriodically(ctx, workerLog)

	sig := <-sigChan
	workerLog.Info("received shutdown signal", "signal", sig)
	cancel()
	wg.Wait()
	workerLog.Info("worker shut down successfully")
}

func handleTask(ctx context.Context, j *bullq.Job[Task], progress bullq.ProgressReporter) (interface{}, error) {
	switch j.Data.Kind {
	case "count_items":
		return handleCountItems(ctx, j, progress)
	case "send_email":
		return handleSendEmail(ctx, j, progress)
	default:
		return nil, fmt.Errorf("worker: unknown task kind %q", j.Data.Kind)
	}
}

func handleCountItems(ctx context.Context, j *bullq.Job[Task], progress bullq.ProgressReporter) (interface{}, error) {
	var args struct {
		Items []string `json:"items"`
	}
	if err := json.Unmarshal(j.Data.Args, &args); err != nil {
		return nil, fmt.Errorf("count_items: decode args: %w", err)
	}
	for i := range args.Items {
		if err := progress(ctx, (i+1)*100/len(args.Items)); err != nil {
			return nil, fmt.Errorf("count_items: report progress: %w", err)
		}
	}
	return map[string]int{"count": len(args.Items)}, nil
}

func handleSendEmail(ctx context.Context, j *bullq.Job[Task], progress bullq.ProgressReporter) (interface{}, error) {
	var args struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
	}
	if err := json.Unmarshal(j.Data.Args, &args); err != nil {
		return nil, fmt.Errorf("send_email: decode args: %w", err)
	}
	if args.To == "" {
		return nil, fmt.Errorf("send_email: missing recipient")
	}
	if err := progress(ctx, 100); err != nil {
		return nil, fmt.Errorf("send_email: report progress: %w", err)
	}
	return map[string]string{"status": "sent", "to": args.To}, nil
}

func logMetricsPeriodically(ctx context.Context, log logger.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := metrics.GetMetrics()
			log.Info("queue metrics",
				"dispatched", m.TotalDispatched,
				"completed", m.TotalCompleted,
				"failed", m.TotalFailed,
				"stalled_recovered", m.TotalStalledRecovered,
				"uptime", m.Uptime.String(),
			)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
