package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/odyssey-erp/odyssey-gl/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/ledger"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/postgres"
	"github.com/odyssey-erp/odyssey-gl/internal/app"
	"github.com/odyssey-erp/odyssey-gl/internal/notify"
	"github.com/odyssey-erp/odyssey-gl/internal/platform/db"
	"github.com/odyssey-erp/odyssey-gl/internal/shared"
)

const usage = `usage: odyssey <command> [flags]

commands:
  migrate          apply the ledger schema
  create-year      create a fiscal year with generated periods
  trial-balance    print the trial balance as of a date
  recalculate      rebuild stored balances of a fiscal year from postings
  auto-reversals   process (or --dry-run list) due scheduled reversals
  integrity        verify trial balance and stored balances
  jobs             trigger|stats|scheduled background jobs
`

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return cli.ExitError
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return cli.ExitError
	}
	logger := app.NewLoggerTo(stderr, cfg, "odyssey-cli")

	command, rest := args[0], args[1:]
	if command == "jobs" {
		return runJobs(ctx, cfg, rest, stdout, stderr)
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	company := fs.Int64("company", 0, "company id")
	actor := fs.Int64("actor", cfg.LedgerActorID, "acting user id recorded in the audit log")
	asJSON := fs.Bool("json", false, "write JSON output")
	asOf := fs.String("as-of", "", "as-of date (YYYY-MM-DD), defaults to today")
	year := fs.Int64("year", 0, "fiscal year id, defaults to the current year")
	dryRun := fs.Bool("dry-run", false, "list due schedules without posting")
	includeZero := fs.Bool("include-zero", false, "keep accounts without balance")
	groupBy := fs.String("group-by", "", "NONE, TYPE, ROOT_ACCOUNT or ACCOUNT_GROUP")
	name := fs.String("name", "", "fiscal year name")
	start := fs.String("start", "", "first day of the fiscal year (YYYY-MM-DD)")
	end := fs.String("end", "", "last day of the fiscal year (YYYY-MM-DD)")
	periodCount := fs.Int("periods", cfg.LedgerPeriodsPerYear, "number of generated periods")
	open := fs.Bool("open", false, "open the fiscal year after creating it")
	if err := fs.Parse(rest); err != nil {
		return cli.ExitError
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGMaxConnLife})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "connect database: %v\n", err)
		return cli.ExitError
	}
	defer pool.Close()

	if command == "migrate" {
		if err := postgres.Migrate(ctx, pool); err != nil {
			_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
			return cli.ExitError
		}
		_, _ = fmt.Fprintln(stdout, "schema applied")
		return cli.ExitOK
	}
	if *company <= 0 {
		_, _ = fmt.Fprintf(stderr, "%s: --company is required and must be positive\n", command)
		return cli.ExitError
	}

	ledgerCLI := cli.NewLedgerCLI(newEngine(cfg, pool, logger))
	out := cli.Output{JSONOutput: *asJSON, Stdout: stdout, Stderr: stderr}
	switch command {
	case "create-year":
		return ledgerCLI.CreateYearCommand(ctx, cli.CreateYearOptions{Output: out, CompanyID: *company, Name: *name, Start: *start, End: *end, Periods: *periodCount, Open: *open, ActorID: *actor})
	case "trial-balance":
		return ledgerCLI.TrialBalanceCommand(ctx, cli.TrialBalanceOptions{Output: out, CompanyID: *company, AsOf: *asOf, GroupBy: *groupBy, IncludeZero: *includeZero})
	case "recalculate":
		return ledgerCLI.RecalculateCommand(ctx, cli.RecalculateOptions{Output: out, CompanyID: *company, FiscalYearID: *year, ActorID: *actor})
	case "auto-reversals":
		return ledgerCLI.AutoReversalsCommand(ctx, cli.AutoReversalsOptions{Output: out, CompanyID: *company, AsOf: *asOf, DryRun: *dryRun, ActorID: *actor})
	case "integrity":
		return ledgerCLI.IntegrityCommand(ctx, cli.IntegrityOptions{Output: out, CompanyID: *company})
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", command, usage)
		return cli.ExitError
	}
}

func newEngine(cfg *app.Config, pool *pgxpool.Pool, logger *slog.Logger) *ledger.Engine {
	store := postgres.New(pool, postgres.WithLogger(logger), postgres.WithRetries(cfg.TxRetries))
	return ledger.New(store, ledger.Options{
		Precision: &cfg.LedgerPrecision,
		Hooks: accounting.Hooks{
			Audit:  shared.NewAuditLogger(pool),
			Notify: notify.Log{Logger: logger},
			Logger: logger,
		},
	})
}

func runJobs(ctx context.Context, cfg *app.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "usage: odyssey jobs trigger|stats|scheduled [flags]")
		return cli.ExitError
	}
	fs := flag.NewFlagSet("jobs "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	company := fs.String("company", "all", "company id or all")
	asOf := fs.String("as-of", "", "as-of date for auto reversals (YYYY-MM-DD)")
	size := fs.Int("size", 10, "page size for scheduled tasks")
	if err := fs.Parse(args[1:]); err != nil {
		return cli.ExitError
	}

	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jobs: %v\n", err)
		return cli.ExitError
	}
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(stderr, "usage: odyssey jobs trigger [--company N] [--as-of YYYY-MM-DD] <task type>")
			return cli.ExitError
		}
		var date time.Time
		if *asOf != "" {
			if date, err = time.Parse(time.DateOnly, *asOf); err != nil {
				_, _ = fmt.Fprintf(stderr, "jobs trigger: invalid --as-of %q\n", *asOf)
				return cli.ExitError
			}
		}
		info, err := jobsCLI.Trigger(ctx, fs.Arg(0), *company, date)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs trigger: %v\n", err)
			return cli.ExitError
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs stats: %v\n", err)
			return cli.ExitError
		}
		_, _ = fmt.Fprintf(stdout, "queue %s: pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	case "scheduled":
		tasks, err := jobsCLI.ListScheduled(ctx, *size)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "jobs scheduled: %v\n", err)
			return cli.ExitError
		}
		for _, task := range tasks {
			_, _ = fmt.Fprintf(stdout, "%s %s next=%s\n", task.ID, task.Type, task.NextProcessAt.Format(time.RFC3339))
		}
	default:
		_, _ = fmt.Fprintf(stderr, "jobs: unknown subcommand %q\n", args[0])
		return cli.ExitError
	}
	return cli.ExitOK
}
