// Command ledger is the donation-lifecycle engine's single binary: the
// operator API server by default, plus one-shot ingest/watchdog/verify
// subcommands for manual operation and CI use. Dispatch pattern adapted
// from the teacher's cmd/helm Run(args, stdout, stderr) shape.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/nust-lifeline/ledger/pkg/allocation"
	"github.com/nust-lifeline/ledger/pkg/api"
	"github.com/nust-lifeline/ledger/pkg/audit"
	"github.com/nust-lifeline/ledger/pkg/auth"
	"github.com/nust-lifeline/ledger/pkg/beneficiary"
	"github.com/nust-lifeline/ledger/pkg/blob"
	"github.com/nust-lifeline/ledger/pkg/config"
	"github.com/nust-lifeline/ledger/pkg/ingest"
	"github.com/nust-lifeline/ledger/pkg/ledger"
	"github.com/nust-lifeline/ledger/pkg/llm"
	"github.com/nust-lifeline/ledger/pkg/lock"
	"github.com/nust-lifeline/ledger/pkg/mail"
	"github.com/nust-lifeline/ledger/pkg/operator"
	"github.com/nust-lifeline/ledger/pkg/ratelimit"
	"github.com/nust-lifeline/ledger/pkg/scheduler"
	"github.com/nust-lifeline/ledger/pkg/telemetry"
	"github.com/nust-lifeline/ledger/pkg/watchdog"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Rate limits for the two external systems spec §5's shared-resource
// policy names — conservative single-process budgets, not Gmail's or the
// model provider's actual published quota, since both gateways are
// already serialised behind the single named lock for most call sites.
const (
	mailRateLimit = 2.0
	mailRateBurst = 5
	lmRateLimit   = 1.0
	lmRateBurst   = 3
)

// Run is the entrypoint for testing: dispatches on the first argument, or
// starts the server when none is given.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		runServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		runServer()
		return 0
	case "ingest":
		return runOnce(stdout, stderr, func(ctx context.Context, s *system) error { return s.ingestor.Run(ctx) })
	case "watchdog":
		return runOnce(stdout, stderr, func(ctx context.Context, s *system) error { return s.watchdog.Run(ctx) })
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q (want server|ingest|watchdog|verify)\n", args[1])
		return 2
	}
}

// system is every wired collaborator a subcommand might need. Built once,
// shared by both the long-running server and the one-shot subcommands.
type system struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB
	tel    *telemetry.Provider

	pledges     *ledger.PledgeRepo
	receipts    *ledger.ReceiptRepo
	allocations *ledger.AllocationRepo
	benOps      *ledger.BeneficiaryOpsRepo
	lookupCache *ledger.LookupCacheRepo
	auditRepo   *ledger.AuditRepo
	auditLog    audit.Logger

	locker     lock.Locker
	mailGW     mail.Gateway
	classifier llm.Classifier
	blobs      blob.Store
	proxy      *beneficiary.Proxy
	profile    *config.CampaignProfile

	allocator *allocation.Service
	ingestor  *ingest.Ingestor
	watchdog  *watchdog.Watchdog
	operator  *operator.Server
}

// bootstrap wires every package this binary depends on against a single
// Config, matching the teacher's lite-mode-vs-postgres branch in
// cmd/helm/main.go's runServer, generalized to this domain's store and
// external collaborators.
func bootstrap(ctx context.Context) (*system, error) {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{}))

	tel, err := telemetry.New(ctx, telemetry.Config{
		ServiceName: "nust-lifeline-ledger",
		Environment: cfg.Environment,
		Enabled:     cfg.TelemetryEnabled,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	var (
		db    *sql.DB
		store ledger.Store
	)
	if cfg.LiteMode() {
		logger.Info("bootstrap: lite mode (sqlite)", "path", cfg.SQLitePath)
		db, err = sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqliteStore := ledger.NewSQLiteStore(db)
		if err := sqliteStore.Init(ctx); err != nil {
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
		store = sqliteStore
	} else {
		logger.Info("bootstrap: postgres mode")
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		pgStore := ledger.NewPostgresStore(db)
		if err := pgStore.Init(ctx); err != nil {
			return nil, fmt.Errorf("init postgres schema: %w", err)
		}
		store = pgStore
	}

	pledges := ledger.NewPledgeRepo(store)
	receipts := ledger.NewReceiptRepo(store)
	allocations := ledger.NewAllocationRepo(store)
	benOps := ledger.NewBeneficiaryOpsRepo(store)
	lookupCache := ledger.NewLookupCacheRepo(store)
	auditRepo := ledger.NewAuditRepo(store)

	headHash := ""
	if last, ok, err := auditRepo.LastEvent(ctx); err != nil {
		return nil, fmt.Errorf("load audit head: %w", err)
	} else if ok {
		headHash = last.ContentHash
	}
	auditLog := audit.NewLogger(auditRepo, headHash)

	var locker lock.Locker
	if cfg.RedisURL != "" {
		logger.Info("bootstrap: redis lock", "addr", cfg.RedisURL)
		locker = lock.NewRedsyncLocker(cfg.RedisURL)
	} else {
		logger.Info("bootstrap: in-process lock (single instance only)")
		locker = lock.NewInProcessLocker()
	}

	var mailGW mail.Gateway
	if cfg.GmailCredentialsPath != "" {
		opts, err := mail.ClientOptionsFromFiles(ctx, cfg.GmailCredentialsPath, cfg.GmailTokenPath)
		if err != nil {
			return nil, fmt.Errorf("gmail oauth: %w", err)
		}
		gw, err := mail.NewGmailGateway(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("gmail gateway: %w", err)
		}
		mailGW = ratelimit.NewMailGateway(gw, mailRateLimit, mailRateBurst)
	}

	var primary llm.Classifier
	if cfg.AnthropicAPIKey != "" {
		primary = llm.NewAnthropicClassifier(cfg.AnthropicAPIKey, cfg.AnthropicModel, logger)
	}
	var fallback llm.Classifier
	if cfg.OpenAIAPIKey != "" {
		fallback = llm.NewOpenAIClassifier(cfg.OpenAIAPIKey, cfg.OpenAIModel, logger)
	}
	classifier := llm.Classifier(ratelimit.NewClassifier(llm.NewFallbackRouter(primary, fallback, logger), lmRateLimit, lmRateBurst))

	blobs, err := blob.Open(ctx, cfg.BlobBucketURL)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}

	confidential, err := beneficiary.LoadYAMLConfidentialSource(cfg.ConfidentialProfilePath)
	if err != nil {
		return nil, fmt.Errorf("confidential source: %w", err)
	}
	proxy := beneficiary.NewProxy(benOps, confidential)

	profile, err := config.LoadCampaignProfile(cfg.CampaignProfilePath)
	if err != nil {
		return nil, fmt.Errorf("campaign profile: %w", err)
	}

	allocator := allocation.New(mailGW, locker, pledges, allocations, benOps, lookupCache, auditLog, proxy, profile, cfg.LockTimeout, logger)
	ingestor := ingest.New(mailGW, locker, classifier, blobs, pledges, receipts, allocations, auditLog, cfg.CampaignMailbox, cfg.AdminAlertEmail, cfg.LockTimeout, logger)
	watchdogSvc := watchdog.New(mailGW, locker, classifier, pledges, allocations, proxy, auditLog, profile, cfg.AdminAlertEmail, cfg.LockTimeout, logger)
	operatorSrv := operator.New(pledges, proxy, allocator, logger)

	return &system{
		cfg: cfg, logger: logger, db: db, tel: tel,
		pledges: pledges, receipts: receipts, allocations: allocations,
		benOps: benOps, lookupCache: lookupCache, auditRepo: auditRepo, auditLog: auditLog,
		locker: locker, mailGW: mailGW, classifier: classifier, blobs: blobs,
		proxy: proxy, profile: profile,
		allocator: allocator, ingestor: ingestor, watchdog: watchdogSvc, operator: operatorSrv,
	}, nil
}

func runServer() {
	ctx := context.Background()
	sys, err := bootstrap(ctx)
	if err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}
	defer sys.db.Close()
	defer sys.tel.Shutdown(ctx)

	validator := auth.NewJWTValidator([]byte(sys.cfg.JWTSecret))
	idemStore := api.NewIdempotencyStore(10 * time.Minute)

	var apiHandler http.Handler = sys.operator.Handler(validator)
	apiHandler = api.IdempotencyMiddleware(idemStore)(apiHandler)
	apiHandler = auth.CORSMiddleware(nil)(apiHandler)
	apiHandler = auth.RequestIDMiddleware(apiHandler)

	sched := scheduler.New(sys.tel, sys.logger)
	if err := sched.AddIngestor(sys.ingestor); err != nil {
		log.Fatalf("schedule ingestor: %v", err)
	}
	if err := sched.AddWatchdog(sys.watchdog); err != nil {
		log.Fatalf("schedule watchdog: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthMux.HandleFunc("/readiness", func(w http.ResponseWriter, r *http.Request) {
		if err := sys.db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("DB unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthMux.Handle("/api/", apiHandler)

	srv := &http.Server{Addr: ":" + sys.cfg.Port, Handler: healthMux}
	go func() {
		sys.logger.Info("server: listening", "port", sys.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sys.logger.Error("server: listen failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	sys.logger.Info("server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// runOnce builds the system, runs a single job to completion, and exits
// with a non-zero status on error — used by `ledger ingest`/`ledger
// watchdog` for manual triggering and cron-less deployments.
func runOnce(stdout, stderr io.Writer, job func(context.Context, *system) error) int {
	ctx := context.Background()
	sys, err := bootstrap(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "bootstrap failed: %v\n", err)
		return 2
	}
	defer sys.db.Close()
	defer sys.tel.Shutdown(ctx)

	if err := job(ctx, sys); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

// runVerifyCmd runs two independent diagnostics: the audit log's hash-chain
// tamper check (spec §8), and spec §9's "Dynamic balances" invariant — every
// pledge's cached verified_total/balance/outstanding recomputed from its
// receipt and allocation rows, flagging any drift from the stored cache.
// Either failing is reported and exits 1; a bootstrap or scan error exits 2.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	sys, err := bootstrap(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "bootstrap failed: %v\n", err)
		return 2
	}
	defer sys.db.Close()
	defer sys.tel.Shutdown(ctx)

	ok := true

	events, err := sys.auditRepo.ScanAll(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "scan audit log: %v\n", err)
		return 2
	}
	if broken := audit.VerifyChain(events); broken != -1 {
		fmt.Fprintf(stderr, "audit chain broken at event index %d (id=%s)\n", broken, events[broken].ID)
		ok = false
	} else {
		fmt.Fprintf(stdout, "audit chain verified: %d events, head %s\n", len(events), sys.auditLog.Head())
	}

	drifts, err := ledger.VerifyInvariants(ctx, sys.pledges, sys.receipts, sys.allocations)
	if err != nil {
		fmt.Fprintf(stderr, "verify invariants: %v\n", err)
		return 2
	}
	if len(drifts) == 0 {
		fmt.Fprintf(stdout, "balance invariants verified: no drift across stored pledges\n")
	} else {
		ok = false
		for _, d := range drifts {
			fmt.Fprintf(stderr, "pledge %s balance drift: verified_total stored=%d recomputed=%d, balance stored=%d recomputed=%d, outstanding stored=%d recomputed=%d\n",
				d.PledgeID, d.StoredVerifiedTotal, d.RecomputedVerifiedTotal, d.StoredBalance, d.RecomputedBalance, d.StoredOutstanding, d.RecomputedOutstanding)
		}
	}

	if !ok {
		return 1
	}
	return 0
}
