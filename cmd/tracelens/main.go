// Command tracelens inspects a trace store: lists traces, prints summaries,
// critical paths and anti-pattern findings, and compares trace sets.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/tracelens/tracelens"
)

// version is set at build time via -ldflags.
var version = "dev"

const usage = `Usage: tracelens <command> [flags]

Commands:
  traces                          list stored trace IDs
  summary   <trace-id>            per-name duration aggregate
  path      <trace-id>            critical path
  findings  <trace-id>            anti-pattern findings
  rank      <trace-id>            centrality ranking
  diff      <trace-a> <trace-b>   semantic equivalence
  compare   -baseline a,b -current c,d [-context text]
                                  regression verdict
`

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TRACELENS_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}

	eng, err := tracelens.New(
		tracelens.WithLogger(logger),
		tracelens.WithVersion(version),
	)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Stop(context.Background()) }()

	switch cmd, rest := args[0], args[1:]; cmd {
	case "traces":
		ids, err := eng.Traces(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil

	case "summary":
		id, err := oneTraceID(rest)
		if err != nil {
			return err
		}
		sum, err := eng.Summary(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(sum)

	case "path":
		id, err := oneTraceID(rest)
		if err != nil {
			return err
		}
		cp, err := eng.CriticalPath(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(cp)

	case "findings":
		id, err := oneTraceID(rest)
		if err != nil {
			return err
		}
		findings, err := eng.Antipatterns(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(findings)

	case "rank":
		id, err := oneTraceID(rest)
		if err != nil {
			return err
		}
		ranks, err := eng.Centrality(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(ranks)

	case "diff":
		if len(rest) != 2 {
			return fmt.Errorf("diff: want two trace ids, got %d args", len(rest))
		}
		a, err := uuid.Parse(rest[0])
		if err != nil {
			return fmt.Errorf("diff: bad trace id %q: %w", rest[0], err)
		}
		b, err := uuid.Parse(rest[1])
		if err != nil {
			return fmt.Errorf("diff: bad trace id %q: %w", rest[1], err)
		}
		rep, err := eng.DiffSemantic(ctx, a, b)
		if err != nil {
			return err
		}
		return printJSON(rep)

	case "compare":
		fs := flag.NewFlagSet("compare", flag.ContinueOnError)
		baselineArg := fs.String("baseline", "", "comma-separated baseline trace ids")
		currentArg := fs.String("current", "", "comma-separated current trace ids")
		changeContext := fs.String("context", "", "free-text change description")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		baseline, err := parseIDList(*baselineArg)
		if err != nil {
			return fmt.Errorf("compare: -baseline: %w", err)
		}
		current, err := parseIDList(*currentArg)
		if err != nil {
			return fmt.Errorf("compare: -current: %w", err)
		}
		rep, err := eng.Compare(ctx, baseline, current, *changeContext)
		if err != nil {
			return err
		}
		return printJSON(rep)

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func oneTraceID(args []string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, fmt.Errorf("want one trace id, got %d args", len(args))
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("bad trace id %q: %w", args[0], err)
	}
	return id, nil
}

func parseIDList(s string) ([]uuid.UUID, error) {
	if s == "" {
		return nil, fmt.Errorf("empty id list")
	}
	var ids []uuid.UUID
	for _, part := range strings.Split(s, ",") {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("bad trace id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
