package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rahil-dope/agentic-pharmacy-system/agent/agents/orchestrator"
	"github.com/Rahil-dope/agentic-pharmacy-system/agent/agents/pharmacist"
	contractx "github.com/Rahil-dope/agentic-pharmacy-system/agent/contract"
	"github.com/Rahil-dope/agentic-pharmacy-system/agent/llm"
	"github.com/Rahil-dope/agentic-pharmacy-system/agent/prompt"
	statex "github.com/Rahil-dope/agentic-pharmacy-system/agent/state"
	"github.com/Rahil-dope/agentic-pharmacy-system/agent/tool"
	"github.com/Rahil-dope/agentic-pharmacy-system/api"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/customers"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/inventory"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/notify"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/orders"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/seed"
	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/sqlstore"
	configx "github.com/Rahil-dope/agentic-pharmacy-system/pkg/config"
	logx "github.com/Rahil-dope/agentic-pharmacy-system/pkg/logger"
	"github.com/Rahil-dope/agentic-pharmacy-system/pkg/metrics"
	openrouterx "github.com/Rahil-dope/agentic-pharmacy-system/pkg/openrouter"
	qstashx "github.com/Rahil-dope/agentic-pharmacy-system/pkg/qstash"
	"github.com/Rahil-dope/agentic-pharmacy-system/pkg/tracing"
)

const (
	storageMemory = "memory"
	storageSQL    = "sql"
)

type AppConfig struct {
	Addr            string        `default:":8080"`
	Storage         string        `default:"sql"`
	ProductsFile    string        `split_words:"true" default:"data/products.xlsx"`
	HistoryFile     string        `split_words:"true" default:"data/order_history.xlsx"`
	AdminJWTSecret  string        `envconfig:"ADMIN_JWT_SECRET"`
	ShutdownTimeout time.Duration `split_words:"true" default:"15s"`
}

// Validate runs when the APP_ group is loaded.
func (c AppConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Storage)) {
	case storageMemory, storageSQL:
	default:
		return fmt.Errorf("storage must be %q or %q, got %q", storageSQL, storageMemory, c.Storage)
	}
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("addr is required")
	}
	return nil
}

type ModelConfig struct {
	Timeout         time.Duration `default:"30s"`
	Retries         uint          `default:"1"`
	InitialBackoff  time.Duration `split_words:"true" default:"250ms"`
	BreakerFailures uint32        `split_words:"true" default:"5"`
	BreakerCooldown time.Duration `split_words:"true" default:"30s"`
}

type stores struct {
	ledger    domain.Ledger
	orders    domain.OrderStore
	customers domain.CustomerDirectory
	sink      seed.Sink
	close     func() error
}

func main() {
	logx.Init(*configx.MustNew[logx.Config]("LOG"))

	appCfg := configx.MustNew[AppConfig]("APP")
	llmCfg := configx.MustNew[llm.Config]("LLM")
	modelCfg := configx.MustNew[ModelConfig]("MODEL")
	orchCfg := configx.MustNew[orchestrator.Config]("ORCH")
	notifyCfg := configx.MustNew[notify.Config]("NOTIFY")
	qstashCfg := configx.MustNew[qstashx.Config]("QSTASH")
	tracingCfg := configx.MustNew[tracing.Config]("TRACING")
	storeCfg := configx.MustNew[sqlstore.Config]("DB")
	upstashCfg := configx.MustNew[statex.UpstashRedisConfig]("UPSTASH_REDIS")
	dynamoCfg := configx.MustNew[statex.DynamoConfig]("DYNAMO")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, appCfg.Storage, *storeCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open stores")
	}
	defer func() {
		if err := st.close(); err != nil {
			log.Error().Err(err).Msg("failed to close stores")
		}
	}()

	summary, err := seed.NewImporter(st.sink).Run(ctx, appCfg.ProductsFile, appCfg.HistoryFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to import seed data")
	}
	log.Info().Int("medicines", summary.Medicines).Int("customers", summary.Customers).
		Int("orders", summary.Orders).Int("skipped", summary.Skipped).Msg("seed data imported")

	tracer, err := tracing.New(ctx, *tracingCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracing")
	}
	meters, err := metrics.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metrics")
	}

	chatModel, err := openrouterx.NewChatModel(ctx, llmCfg.OpenRouter())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize chat model")
	}

	catalog, err := tool.NewPharmacyCatalog(st.ledger, st.orders)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build tool catalog")
	}

	prompts := prompt.LoadPromptSet()
	agent, err := pharmacist.New(ctx, chatModel, catalog.Infos(), prompts.Pharmacist, pharmacist.Config{
		ModelTimeout:    modelCfg.Timeout,
		Retries:         modelCfg.Retries,
		InitialBackoff:  modelCfg.InitialBackoff,
		BreakerFailures: modelCfg.BreakerFailures,
		BreakerCooldown: modelCfg.BreakerCooldown,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize pharmacist")
	}

	var qstashClient *qstashx.Client
	if qstashCfg.Enabled() {
		qstashClient, err = qstashx.NewClient(*qstashCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize qstash client")
		}
	}

	archive, err := openArchive(ctx, *dynamoCfg, *upstashCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize turn archive")
	}

	opts := []orchestrator.Option{
		orchestrator.WithNotifier(notify.New(*notifyCfg, qstashClient)),
		orchestrator.WithArchive(archive),
		orchestrator.WithTracer(tracer),
		orchestrator.WithMetrics(meters),
	}
	moderator, err := llm.NewModerator(*llmCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize moderation")
	}
	if moderator != nil {
		opts = append(opts, orchestrator.WithModerator(contractx.Moderator(moderator)))
	}

	orch, err := orchestrator.New(agent, catalog, st.customers, *orchCfg, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize orchestrator")
	}

	handler, err := api.New(api.Deps{
		Chat:      orch,
		Ledger:    st.ledger,
		Orders:    st.orders,
		Customers: st.customers,
		Metrics:   meters.Handler(),
	}, appCfg.AdminJWTSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize api")
	}

	server := &http.Server{
		Addr:              appCfg.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", appCfg.Addr).Str("storage", appCfg.Storage).Msg("pharmacy agent listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := orch.Drain(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("order notifications still in flight")
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracer shutdown failed")
	}
	if err := meters.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics shutdown failed")
	}
}

func openStores(ctx context.Context, storage string, cfg sqlstore.Config) (stores, error) {
	switch strings.ToLower(strings.TrimSpace(storage)) {
	case storageMemory:
		ledger, err := inventory.NewMemoryLedger()
		if err != nil {
			return stores{}, err
		}
		dir := customers.NewMemoryDirectory()
		orderStore, err := orders.NewStore(ledger, dir)
		if err != nil {
			return stores{}, err
		}
		return stores{
			ledger:    ledger,
			orders:    orderStore,
			customers: dir,
			sink:      seed.MemorySink{Ledger: ledger, Directory: dir, Orders: orderStore},
			close:     func() error { return nil },
		}, nil
	case storageSQL:
		db, err := sqlstore.Open(cfg)
		if err != nil {
			return stores{}, err
		}
		if err := db.CreateSchema(ctx); err != nil {
			_ = db.Close()
			return stores{}, err
		}
		return stores{ledger: db, orders: db, customers: db, sink: db, close: db.Close}, nil
	default:
		return stores{}, errors.New("unsupported storage " + storage)
	}
}

func openArchive(ctx context.Context, dynamoCfg statex.DynamoConfig, upstashCfg statex.UpstashRedisConfig) (statex.Archive, error) {
	switch {
	case dynamoCfg.Enabled():
		log.Info().Str("table", dynamoCfg.Table).Msg("archiving turns in dynamodb")
		return statex.NewDynamoArchiveFromEnv(ctx, dynamoCfg)
	case upstashCfg.Enabled():
		log.Info().Msg("archiving turns in upstash redis")
		return statex.NewUpstashArchive(upstashCfg)
	default:
		return statex.NewMemoryArchive(), nil
	}
}
