// Command mcp-catalog-server exposes the tool directory to MCP clients over stdio.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/catalog"
	"github.com/cexll/aidir/internal/logging"
	"github.com/cexll/aidir/internal/search"
	"github.com/cexll/aidir/internal/table"
)

func main() {
	_ = godotenv.Load()

	for _, env := range []string{"TABLE_API_KEY", "TABLE_BASE_ID"} {
		if os.Getenv(env) == "" {
			log.Fatalf("missing required environment variable: %s", env)
		}
	}

	// stdout carries the protocol, so logs go to stderr
	logger, err := logging.New(getEnv("LOG_LEVEL", "info"), getEnv("LOG_FORMAT", "json"))
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	rate, _ := strconv.ParseFloat(getEnv("TABLE_RATE_LIMIT", "5"), 64)
	tables := table.New(table.Config{
		BaseURL:   getEnv("TABLE_API_URL", "https://api.airtable.com/v0"),
		BaseID:    os.Getenv("TABLE_BASE_ID"),
		APIKey:    os.Getenv("TABLE_API_KEY"),
		RateLimit: rate,
		Logger:    logger.Named("table"),
	})
	repo := catalog.NewRepository(tables, catalog.Names{
		Tools:      os.Getenv("TABLE_TOOLS"),
		Categories: os.Getenv("TABLE_CATEGORIES"),
		Tags:       os.Getenv("TABLE_TAGS"),
		UseCases:   os.Getenv("TABLE_USE_CASES"),
		Articles:   os.Getenv("TABLE_ARTICLES"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	index, err := search.New(repo, logger.Named("search"))
	if err != nil {
		logger.Fatal("failed to create search index", zap.Error(err))
	}
	defer index.Close()
	if err := index.Rebuild(ctx); err != nil {
		logger.Fatal("failed to build search index", zap.Error(err))
	}
	docs, _ := index.Stats()

	server := newServer(&catalogTools{catalog: repo, index: index, logger: logger.Named("mcp")})
	logger.Info("catalog MCP server starting on stdio", zap.Uint64("indexed_docs", docs))
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		logger.Error("server error", zap.Error(err))
		return
	}
	logger.Info("server stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
