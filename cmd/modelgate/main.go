package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/db"
	"github.com/modelgate/modelgate/internal/gateway"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/provider/anthropic"
	"github.com/modelgate/modelgate/internal/provider/gemini"
	"github.com/modelgate/modelgate/internal/provider/openai"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/scheduler"
	"github.com/modelgate/modelgate/internal/server"
	"github.com/modelgate/modelgate/internal/store"
	"github.com/modelgate/modelgate/internal/version"
)

func main() {
	configPath := flag.String("config", "modelgate.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	st, err := store.New(database, cfg.MasterKey)
	if err != nil {
		log.Fatalf("Failed to initialize credential store: %v", err)
	}

	// A provider missing any capability is a startup error, not a
	// runtime surprise.
	reg := registry.New()

	anthropicClient := anthropic.NewClient(cfg.Provider("anthropic"))
	if err := reg.Register("anthropic", provider.Capabilities{
		OAuth:     anthropic.NewEngine(cfg.Provider("anthropic")),
		APIKey:    anthropic.NewEngine(cfg.Provider("anthropic")),
		Streaming: anthropicClient,
		Models:    anthropicClient,
	}); err != nil {
		log.Fatalf("Failed to register anthropic: %v", err)
	}

	openaiClient := openai.NewClient(cfg.Provider("openai"))
	if err := reg.Register("openai", provider.Capabilities{
		OAuth:     openai.NewEngine(cfg.Provider("openai")),
		APIKey:    openai.NewEngine(cfg.Provider("openai")),
		Streaming: openaiClient,
		Models:    openaiClient,
	}); err != nil {
		log.Fatalf("Failed to register openai: %v", err)
	}

	geminiClient := gemini.NewClient(cfg.Provider("gemini"))
	if err := reg.Register("gemini", provider.Capabilities{
		OAuth:     gemini.NewEngine(cfg.Provider("gemini"), geminiClient),
		APIKey:    gemini.NewEngine(cfg.Provider("gemini"), geminiClient),
		Streaming: geminiClient,
		Models:    geminiClient,
	}); err != nil {
		log.Fatalf("Failed to register gemini: %v", err)
	}

	gw := gateway.New(reg, st)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(st, reg, cfg.Scheduler)
	sched.Start(ctx)

	srv := server.New(gw, reg)

	log.Printf("🚀 ModelGate %s (%s) starting on http://%s", version.Version, version.Commit, cfg.Listen)
	log.Printf("🔌 Providers: anthropic, openai, gemini")

	httpServer := &http.Server{Addr: cfg.Listen, Handler: srv.Router()}
	go func() {
		<-ctx.Done()
		log.Printf("Shutting down")
		httpServer.Shutdown(context.Background())
		sched.Wait()
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}
