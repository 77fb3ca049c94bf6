package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DeafMist/flash-digest/internal/acquisition"
	"github.com/DeafMist/flash-digest/internal/app"
	"github.com/DeafMist/flash-digest/internal/config"
	"github.com/DeafMist/flash-digest/internal/logger"
)

const usage = `usage:
  trigger fetch                  run one acquisition pass
  trigger last-hour              send the digest for the previous hour
  trigger custom <start> <end>   send the digest for [start, end)

times are RFC 3339 or "YYYY-MM-DD HH:MM:SS" in TZ`

var errUsage = errors.New("invalid arguments")

type passRunner interface {
	RunPass(ctx context.Context) acquisition.Report
}

type digestRunner interface {
	Run(ctx context.Context, start, end time.Time) (acquisition.DigestReport, error)
}

type command struct {
	name       string
	start, end time.Time
}

func main() {
	log := logger.New("trigger")
	cfg, err := config.LoadTrigger()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	cmd, err := parseArgs(os.Args[1:], cfg.Location, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	stack, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Error("build acquisition stack", slog.Any("err", err))
		os.Exit(1)
	}
	defer stack.Close()

	if err := execute(ctx, cmd, stack.Orchestrator, stack.Digest, os.Stdout); err != nil {
		log.Error("trigger failed", slog.String("command", cmd.name), slog.Any("err", err))
		stack.Close()
		os.Exit(1)
	}
}

func parseArgs(args []string, loc *time.Location, now time.Time) (command, error) {
	if len(args) == 0 {
		return command{}, errUsage
	}

	switch args[0] {
	case "fetch":
		if len(args) != 1 {
			return command{}, errUsage
		}
		return command{name: "fetch"}, nil
	case "last-hour":
		if len(args) != 1 {
			return command{}, errUsage
		}
		return command{name: "digest", start: now.Add(-time.Hour), end: now}, nil
	case "custom":
		if len(args) != 3 {
			return command{}, errUsage
		}
		start, err := config.ParseTime(args[1], loc)
		if err != nil {
			return command{}, fmt.Errorf("start: %w", err)
		}
		end, err := config.ParseTime(args[2], loc)
		if err != nil {
			return command{}, fmt.Errorf("end: %w", err)
		}
		if end.Before(start) {
			return command{}, acquisition.ErrInvalidRange
		}
		return command{name: "digest", start: start, end: end}, nil
	default:
		return command{}, fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

type fetchOutput struct {
	Archived  int    `json:"archived"`
	Batch     string `json:"batch,omitempty"`
	Pages     int    `json:"pages"`
	Bootstrap bool   `json:"bootstrap"`
	Duration  string `json:"duration"`
	Error     string `json:"error,omitempty"`
}

// execute runs cmd and writes its report to out as JSON. A pass that archived
// something is not a failure even when it stopped early.
func execute(ctx context.Context, cmd command, passes passRunner, digest digestRunner, out io.Writer) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	switch cmd.name {
	case "fetch":
		report := passes.RunPass(ctx)
		res := fetchOutput{
			Archived:  len(report.Items),
			Batch:     string(report.Label),
			Pages:     report.Pages,
			Bootstrap: report.Bootstrap,
			Duration:  report.Duration.String(),
		}
		if report.Err != nil {
			res.Error = report.Err.Error()
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
		if report.Err != nil && len(report.Items) == 0 {
			return report.Err
		}
		return nil
	case "digest":
		report, err := digest.Run(ctx, cmd.start, cmd.end)
		if err != nil {
			return err
		}
		return enc.Encode(report)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd.name)
	}
}
