package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/cortex/internal/config"
	"github.com/lazypower/cortex/internal/engine"
	"github.com/lazypower/cortex/internal/llm"
	"github.com/lazypower/cortex/internal/server"
	"github.com/lazypower/cortex/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Resolve database path
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: LLM not configured (%v), synthesis disabled\n", err)
		llmClient = nil
	} else if llmClient != nil {
		fmt.Fprintf(os.Stderr, "  llm: %s (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)
	}

	eng := engine.New(db, *cfg, llmClient)
	defer eng.Stop()

	emb, err := engine.NewEmbedder(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	eng.SetEmbedder(emb)
	fmt.Fprintf(os.Stderr, "  embedder: %s\n", emb.Model())

	ex, err := engine.NewExtractor(cfg.Extraction, llmClient)
	if err != nil {
		return fmt.Errorf("extractor: %w", err)
	}
	if g, ok := ex.(*engine.GLiNERExtractor); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.Health(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: gliner not reachable (%v), using heuristic extractor\n", err)
			ex = engine.NewHeuristicExtractor()
		}
		cancel()
	}
	eng.SetExtractor(ex)
	fmt.Fprintf(os.Stderr, "  extractor: %T\n", ex)

	if err := eng.Load(); err != nil {
		return fmt.Errorf("load graph: %w", err)
	}

	// Embed any nodes missing vectors
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if n, err := eng.EmbedMissing(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "embed missing: %v\n", err)
		} else if n > 0 {
			fmt.Fprintf(os.Stderr, "  embedded %d missing nodes\n", n)
		}
	}()
	eng.StartEvolver(cfg.Schema.EvolveInterval)

	srv := server.New(eng, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "cortex serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", dbPath)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-done:
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
