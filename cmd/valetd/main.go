// valetd is the cognitive assistant's composition root: it wires config,
// the Postgres-backed knowledge store, model router, orchestrator,
// planner/executor, approval queue, calibrator, and event bus into a
// runnable HTTP server. Grounded on the teacher's cmd/tarsy/main.go (flag
// parsing, godotenv loading, gin.SetMode + router.Run), generalized from a
// minimal health-check-only server into the full operational surface.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/fourvalet/valet/internal/api"
	"github.com/fourvalet/valet/internal/calibration"
	"github.com/fourvalet/valet/internal/config"
	"github.com/fourvalet/valet/internal/contextretrieval"
	"github.com/fourvalet/valet/internal/crosssource"
	"github.com/fourvalet/valet/internal/eventbus"
	"github.com/fourvalet/valet/internal/executor"
	"github.com/fourvalet/valet/internal/knowledge"
	"github.com/fourvalet/valet/internal/modelprovider"
	"github.com/fourvalet/valet/internal/modelrouter"
	"github.com/fourvalet/valet/internal/orchestrator"
	"github.com/fourvalet/valet/internal/perception"
	"github.com/fourvalet/valet/internal/queue"
	"github.com/fourvalet/valet/internal/service"
	"github.com/fourvalet/valet/pkg/database"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	envPath := *configDir + "/.env"
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: could not load %s: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	log.Printf("Starting valetd")
	log.Printf("HTTP port: %s", httpPort)

	ctx := context.Background()

	cfg, err := config.Load(*configDir + "/config.yaml")
	if err != nil {
		log.Printf("Warning: could not load %s, falling back to defaults: %v", *configDir+"/config.yaml", err)
		cfg = config.Defaults()
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	log.Println("Connected to PostgreSQL and applied migrations")

	bus := eventbus.New()

	embedder := knowledge.NewHashingEmbedder(256)
	index, err := knowledge.NewVectorIndex(getEnv("VECTOR_INDEX_PATH", ""), embedder)
	if err != nil {
		log.Fatalf("Failed to build vector index: %v", err)
	}
	notesRoot := getEnv("NOTES_ROOT", "./data/notes")
	notes := knowledge.NewStoreFromDB(notesRoot, dbClient.DB(), index)

	retriever := contextretrieval.NewRetriever(notes, contextretrieval.DefaultWeights())
	ctxProvider := service.NewContextAdapter(retriever, cfg.Context.TopK, cfg.Context.MinRelevance, 0)

	search := crosssource.NewEngine(
		nil, // source adapters (filesystem/IMAP/Graph clients) are out of scope; wired at deploy time
		cfg.CrossSource.AdapterTimeout(),
		cfg.CrossSource.CacheTTL(),
		256,
	)

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		log.Println("Warning: ANTHROPIC_API_KEY not set, model calls will fail")
	}
	provider := modelprovider.NewAnthropicProvider(apiKey, 1024)
	router := modelrouter.NewRouter([]modelrouter.TierModel{
		{Tier: config.TierFast, Model: getEnv("MODEL_FAST", "claude-haiku-4-5"), Call: provider.Call()},
		{Tier: config.TierBalanced, Model: getEnv("MODEL_BALANCED", "claude-sonnet-4-5"), Call: provider.Call()},
		{Tier: config.TierStrong, Model: getEnv("MODEL_STRONG", "claude-opus-4-1"), Call: provider.Call()},
	}, 1, 2, modelrouter.WithEscalationThreshold(cfg.Models.AdaptiveEscalationThreshold))

	orch := orchestrator.New(orchestrator.NewRouterAdapter(router), ctxProvider, cfg, bus)

	sink := noopSideEffectSink{}
	runner := executor.NewNoteRunner(notes, sink)
	exec := service.ExecutorFromConfig(runner, cfg, bus)

	q := queue.New(dbClient.DB(), exec, bus, cfg.Queue.UndoWindow())
	calib := calibration.New(dbClient.DB(), bus)
	orch.SetCalibrator(calib)

	normalizer := perception.NewEventNormalizer(perception.NewRegistry(), perception.VIPs{})
	continuity := perception.NewContinuityDetector()

	svc := service.New(orch, notes, search, q, calib, bus, cfg, cfg.Queue.WorkerCount, normalizer, continuity)

	srv := api.NewServer(svc)
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.OrchestrationTimeout() + 15*time.Second,
	}

	log.Printf("HTTP server listening on :%s", httpPort)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// noopSideEffectSink is the default executor.SideEffectSink: it reports
// every external side effect as already applied with no-op rollback. A
// deployment wires a real implementation (talking to the file/IMAP/Graph
// clients spec.md §1 scopes out of this module) in its place.
type noopSideEffectSink struct{}

func (noopSideEffectSink) noop(context.Context) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func (s noopSideEffectSink) Archive(ctx context.Context, source, sourceID string) (func(context.Context) error, error) {
	return s.noop(ctx)
}

func (s noopSideEffectSink) Delete(ctx context.Context, source, sourceID string) (func(context.Context) error, error) {
	return s.noop(ctx)
}

func (s noopSideEffectSink) Move(ctx context.Context, source, sourceID, destFolder string) (func(context.Context) error, error) {
	return s.noop(ctx)
}

func (s noopSideEffectSink) Flag(ctx context.Context, source, sourceID string) (func(context.Context) error, error) {
	return s.noop(ctx)
}

func (s noopSideEffectSink) Snooze(ctx context.Context, source, sourceID string, untilUnixSeconds int64) (func(context.Context) error, error) {
	return s.noop(ctx)
}

func (s noopSideEffectSink) DraftReply(ctx context.Context, source, sourceID, body string) (func(context.Context) error, error) {
	return s.noop(ctx)
}

func (s noopSideEffectSink) CreateTask(ctx context.Context, title, due string) (func(context.Context) error, error) {
	return s.noop(ctx)
}

func (s noopSideEffectSink) CreateCalendarEvent(ctx context.Context, title, date, timeOfDay string) (func(context.Context) error, error) {
	return s.noop(ctx)
}
