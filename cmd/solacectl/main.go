// Command solacectl runs operator tasks against a ledger deployment.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/solace-ledger/solace/cmd/solacectl/cli"
	"github.com/solace-ledger/solace/internal/app"
	"github.com/solace-ledger/solace/internal/ledger"
	"github.com/solace-ledger/solace/internal/ledger/pgstore"
	"github.com/solace-ledger/solace/internal/market"
	"github.com/solace-ledger/solace/internal/platform/cache"
	"github.com/solace-ledger/solace/internal/platform/db"
	"github.com/solace-ledger/solace/internal/relay"
)

const usage = `usage: solacectl <command> [flags]

commands:
  jobs trigger <name>     enqueue a job (%s)
  jobs stats              print default queue statistics
  jobs scheduled          list scheduled tasks
  ledger audit            verify balances against supply counters
  ledger outbound         list outbound bridge transfers (-after, -limit)
  bridge requests         list bridge requests (-status, -limit)
  cache bump              invalidate cached market data
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		slog.Default().Error("solacectl", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 2 {
		fmt.Fprintf(out, usage, strings.Join(cli.TriggerableJobs(), ", "))
		return flag.ErrHelp
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	group, cmd, rest := args[0], args[1], args[2:]
	switch group {
	case "jobs":
		return runJobs(ctx, cfg, cmd, rest, out)
	case "ledger", "bridge":
		return runLedger(ctx, cfg, group+" "+cmd, rest, out)
	case "cache":
		if cmd != "bump" {
			break
		}
		client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return err
		}
		defer client.Close()
		version, err := market.NewCache(client, cfg.MarketCacheTTL).Bump(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "market cache version %d\n", version)
		return nil
	}
	fmt.Fprintf(out, usage, strings.Join(cli.TriggerableJobs(), ", "))
	return flag.ErrHelp
}

func runJobs(ctx context.Context, cfg *app.Config, cmd string, args []string, out io.Writer) error {
	jobsCLI, err := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return err
	}
	defer jobsCLI.Close()
	enc := json.NewEncoder(out)
	switch cmd {
	case "trigger":
		if len(args) != 1 {
			return fmt.Errorf("jobs trigger: expected one job name, got %d", len(args))
		}
		info, err := jobsCLI.Trigger(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "enqueued %s as %s\n", info.Type, info.ID)
		return nil
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(stats)
	case "scheduled":
		fs := flag.NewFlagSet("jobs scheduled", flag.ContinueOnError)
		size := fs.Int("size", 10, "page size")
		if err := fs.Parse(args); err != nil {
			return err
		}
		infos, err := jobsCLI.ListScheduled(ctx, *size)
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Fprintf(out, "%s\t%s\t%s\n", info.ID, info.Type, info.NextProcessAt.UTC().Format("2006-01-02 15:04:05"))
		}
		return nil
	}
	return fmt.Errorf("jobs: unknown command %q", cmd)
}

func runLedger(ctx context.Context, cfg *app.Config, cmd string, args []string, out io.Writer) error {
	pool, err := db.New(ctx, cfg.PGDSN, 2)
	if err != nil {
		return err
	}
	defer pool.Close()
	ledgerCLI := cli.NewLedgerCLI(pgstore.New(pool), relay.NewPGRepository(pool), out)

	switch cmd {
	case "ledger audit":
		_, err := ledgerCLI.Audit(ctx)
		if errors.Is(err, ledger.ErrInvariantViolated) {
			return fmt.Errorf("audit failed: %w", err)
		}
		return err
	case "ledger outbound":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		after := fs.Uint64("after", 0, "only nonces greater than this")
		limit := fs.Int("limit", 100, "maximum rows")
		if err := fs.Parse(args); err != nil {
			return err
		}
		_, err := ledgerCLI.Outbound(ctx, *after, *limit)
		return err
	case "bridge requests":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		status := fs.String("status", string(relay.StatusPending), "pending, submitted or failed")
		limit := fs.Int("limit", 100, "maximum rows")
		if err := fs.Parse(args); err != nil {
			return err
		}
		_, err := ledgerCLI.BridgeRequests(ctx, relay.Status(*status), *limit)
		return err
	}
	return fmt.Errorf("unknown command %q", cmd)
}
