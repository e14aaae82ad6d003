// Command authzctl triggers authorization maintenance jobs from a shell.
//
//	authzctl warmup [-limit N]
//	authzctl invalidate [-reason R] SUBJECT_ID...
//	authzctl queue [-name authz] [-scheduled N]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-iam/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-iam/internal/app"
	"github.com/odyssey-erp/odyssey-iam/jobs"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	ops, err := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("init jobs cli", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := ops.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
	}()

	if err := run(ctx, ops, os.Args[1], os.Args[2:]); err != nil {
		logger.Error(os.Args[1], slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, ops *cli.JobsCLI, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	switch cmd {
	case "warmup":
		limit := fs.Int("limit", 0, "max subjects to rebuild (0 uses the job default)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		info, err := ops.TriggerWarmup(ctx, *limit)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s on %s\n", info.ID, info.Queue)
	case "invalidate":
		reason := fs.String("reason", "manual", "reason recorded with the event")
		if err := fs.Parse(args); err != nil {
			return err
		}
		subjects := make([]int64, 0, fs.NArg())
		for _, arg := range fs.Args() {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid subject id %q", arg)
			}
			subjects = append(subjects, id)
		}
		if err := ops.Invalidate(ctx, *reason, subjects); err != nil {
			return err
		}
		fmt.Printf("queued invalidation of %d subjects\n", len(subjects))
	case "queue":
		name := fs.String("name", jobs.QueueAuthz, "queue to inspect")
		scheduled := fs.Int("scheduled", 0, "also list up to N scheduled tasks")
		if err := fs.Parse(args); err != nil {
			return err
		}
		stats, err := ops.InspectQueue(ctx, *name)
		if err != nil {
			return err
		}
		fmt.Println(stats)
		if *scheduled > 0 {
			tasks, err := ops.ListScheduled(ctx, *name, *scheduled)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Printf("  %s %s at %s\n", t.ID, t.Type, t.NextProcessAt.Format("2006-01-02T15:04:05Z07:00"))
			}
		}
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: authzctl warmup|invalidate|queue [flags]")
}
