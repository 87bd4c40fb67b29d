// Command producer enqueues a single demonstration task onto a queue
// and exits, or, with -cron, registers it as a repeatable task and runs
// until interrupted. It exists to exercise Add and the repeat package from the
// command line, the way a real producer service would from its own
// request handlers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaygo/bullq/internal/config"
	"github.com/relaygo/bullq/internal/job"
	"github.com/relaygo/bullq/internal/logger"
	"github.com/relaygo/bullq/internal/repeat"
	"github.com/relaygo/bullq/pkg/bullq"
)

type Task struct {
	Kind string          `json:"kind"`
	Args json.RawMessage `json:"args"`
}

func main() {
	kind := flag.String("kind", "count_items", "task kind")
	args := flag.String("args", `{"items":["a","b","c"]}`, "task args, as a JSON object")
	delay := flag.Duration("delay", 0, "delay before the task becomes runnable")
	lifo := flag.Bool("lifo", false, "enqueue LIFO instead of FIFO")
	cronExpr := flag.String("cron", "", "if set, register as a repeatable task on this cron expression instead of enqueueing once")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Close() }()
	logger.SetDefault(log)

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse redis url: %v\n", err)
		os.Exit(1)
	}
	client := redis.NewClient(opts)
	defer func() { _ = client.Close() }()

	q := bullq.New[Task](client, cfg.QueueName, bullq.JSON[Task](), log)
	task := Task{Kind: *kind, Args: json.RawMessage(*args)}

	ctx := context.Background()

	if *cronExpr != "" {
		jobOpts := job.Options{}
		if *lifo {
			jobOpts["lifo"] = "true"
		}
		rep := repeat.NewRepeater[Task](client, q, job.LockTTL*6, log)
		if err := rep.Register(repeat.Repeatable[Task]{
			ID:   fmt.Sprintf("%s:%s", cfg.QueueName, *kind),
			Cron: *cronExpr,
			Data: task,
			Opts: jobOpts,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to register repeatable task: %v\n", err)
			os.Exit(1)
		}
		rep.Start()
		log.Info("repeater running, press ctrl-c to stop", "cron", *cronExpr, "kind", *kind)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		rep.Stop()
		return
	}

	jobOpts := bullq.Options{}
	if *delay > 0 {
		jobOpts = bullq.DelayOpts(*delay)
	}
	if *lifo {
		jobOpts["lifo"] = "true"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	j, err := q.Add(ctx, task, jobOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to add job: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("enqueued job %s\n", j.ID)
}
