// Command chatgate runs the live chat bot's output gatekeeper.
// It:
//   - Loads configuration from the environment and initializes structured logging.
//   - Restores the control register and the stored Twitch credentials.
//   - Opens the operator audit log (JSONL file, plus Postgres when AUDIT_DB_DSN is set).
//   - Starts the background credential refresher and, when REDIS_URL is set,
//     the cost cap listener.
//   - Serves the operator HTTP API with /status, /healthz, /readyz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chatgate/audit"
	"github.com/onnwee/chatgate/chat"
	"github.com/onnwee/chatgate/config"
	"github.com/onnwee/chatgate/control"
	"github.com/onnwee/chatgate/credential"
	"github.com/onnwee/chatgate/crypto"
	"github.com/onnwee/chatgate/db"
	"github.com/onnwee/chatgate/gate"
	"github.com/onnwee/chatgate/oauth"
	"github.com/onnwee/chatgate/server"
	"github.com/onnwee/chatgate/status"
	"github.com/onnwee/chatgate/telemetry"
	"github.com/onnwee/chatgate/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	if err := run(); err != nil {
		slog.Error("chatgate exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if missing := cfg.MissingTwitchFields(); len(missing) > 0 {
		slog.Warn("twitch configuration incomplete; credential flows will report CONFIG_MISSING", slog.Any("missing", missing))
	}

	telemetry.Init()
	// Optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdownTracing, err := telemetry.InitTracing("chatgate", "1.0.0")
	if err != nil {
		return err
	}
	defer shutdownTracing()
	slog.Info("telemetry initialized", slog.Bool("tracing", telemetry.IsTracingEnabled()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}

	protector, err := crypto.NewProtector(crypto.Backend{
		Name:            cfg.SecretBackend,
		EncryptionKey:   cfg.EncryptionKey,
		AgeIdentity:     cfg.AgeIdentity,
		AgeIdentityFile: cfg.AgeIdentityFile,
	})
	if err != nil {
		return err
	}
	slog.Info("credential protector selected", slog.String("backend", protector.Name()))
	if protector.Name() == "plaintext" {
		slog.Warn("credentials are stored unencrypted; set AGE_IDENTITY or ENCRYPTION_KEY")
	}

	twitch := twitchapi.NewClient(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI)
	creds := credential.NewManager(cfg, twitch,
		credential.NewFileStore(filepath.Join(cfg.DataDir, "credentials"), protector),
		credential.WithRefreshHook(telemetry.ObserveRefresh),
	)

	ctrl := control.NewStore(
		control.WithPersistence(filepath.Join(cfg.DataDir, "control_state.json")),
		control.WithHook(func(action string, _ control.Change) { telemetry.ObserveControlTransition(action) }),
	)

	costCap, closeCostCap := openCostCap(ctx, cfg)
	defer closeCostCap()

	auditDB, err := openAuditDB(ctx, cfg)
	if err != nil {
		return err
	}
	if auditDB != nil {
		defer func() {
			if err := auditDB.Close(); err != nil {
				slog.Error("failed to close audit database", slog.Any("err", err))
			}
		}()
	}
	auditLog, closeAudit, err := openAuditLog(ctx, cfg, auditDB)
	if err != nil {
		return err
	}
	defer closeAudit()

	var transport gate.Transport
	if cfg.EnableChat {
		if err := cfg.ValidateChatReady(); err != nil {
			slog.Warn("chat transport enabled but not ready; sends will fail until configured", slog.Any("err", err))
		}
		tr := chat.NewTransport(cfg.PrimaryChannel, cfg.BotNick, creds)
		defer tr.Close()
		transport = tr
	} else {
		slog.Info("chat transport disabled (ENABLE_CHAT_TRANSPORT=0); emitted outputs are only logged")
	}
	g := gate.New(ctrl, transport, gate.WithRateLimit(cfg.OutputRateLimit))

	agg := status.NewAggregator(cfg, ctrl, creds, costCap)
	registerReadinessChecks(agg, cfg, twitch, auditDB)

	// Background credential refresh
	refreshDone := oauth.StartRefresher(ctx, "twitch", cfg.RefreshInterval, func(rctx context.Context) error {
		res := creds.RefreshDue(rctx, false)
		if !res.OK {
			return errors.New("one or more accounts failed to refresh")
		}
		return nil
	})

	enablePprof()

	go func() {
		deps := server.Deps{
			Config:  cfg,
			Control: ctrl,
			Creds:   creds,
			Gate:    g,
			Status:  agg,
			CostCap: costCap,
			Audit:   auditLog,
		}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	<-refreshDone
	return nil
}

// costCapSource is the cost cap the status report reads and operators set.
type costCapSource interface {
	status.CostCap
	server.CostCapSetter
}

// openCostCap mirrors REDIS_URL when set and falls back to an operator-only flag.
func openCostCap(ctx context.Context, cfg *config.Config) (costCapSource, func()) {
	if cfg.RedisURL == "" {
		return &status.StaticCostCap{}, func() {}
	}
	rc, err := status.NewRedisCostCap(ctx, cfg.RedisURL, cfg.CostCapKey)
	if err != nil {
		slog.Warn("redis cost cap unavailable, using operator flag only", slog.Any("err", err))
		return &status.StaticCostCap{}, func() {}
	}
	go rc.Listen(ctx)
	slog.Info("cost cap mirrored from redis", slog.String("key", cfg.CostCapKey))
	return rc, func() {
		if err := rc.Close(); err != nil {
			slog.Warn("redis close failed", slog.Any("err", err))
		}
	}
}

// openAuditDB connects and migrates the audit database when AUDIT_DB_DSN is set.
func openAuditDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.AuditDBDsn == "" {
		return nil, nil
	}
	database, err := db.Connect(ctx, cfg.AuditDBDsn)
	if err != nil {
		return nil, err
	}
	// Versioned migrations first; the embedded idempotent SQL covers databases
	// the migrate tool cannot lock or read.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close() //nolint:errcheck // already failing
			return nil, err
		}
	}
	return database, nil
}

// openAuditLog builds the audit logger: the JSONL file always, Postgres when available.
func openAuditLog(ctx context.Context, cfg *config.Config, database *sql.DB) (*audit.Logger, func(), error) {
	var opts []audit.Option
	if database != nil {
		// First sink is the one the chain resumes from.
		opts = append(opts, audit.WithSink(&audit.PostgresSink{DB: database}))
	}
	file, err := audit.NewFileSink(filepath.Join(cfg.DataDir, "operator_audit.jsonl"))
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, audit.WithSink(file))
	closer := func() {
		if err := file.Close(); err != nil {
			slog.Warn("audit file close failed", slog.Any("err", err))
		}
	}
	return audit.New(ctx, opts...), closer, nil
}

func registerReadinessChecks(agg *status.Aggregator, cfg *config.Config, twitch *twitchapi.Client, database *sql.DB) {
	if database != nil {
		agg.AddCheck(status.ReadinessCheck{Name: "audit_db", Check: database.PingContext})
	}
	if len(cfg.MissingTwitchFields()) == 0 && cfg.PrimaryChannel != "" {
		ts := twitchapi.NewAppTokenSource(twitch)
		agg.AddCheck(status.ReadinessCheck{Name: "twitch_channel", Check: func(ctx context.Context) error {
			_, err := twitch.GetUserByLogin(ctx, ts, cfg.PrimaryChannel)
			return err
		}})
	}
}

// enablePprof serves profiling endpoints in debug mode (ENABLE_PPROF=1).
func enablePprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
