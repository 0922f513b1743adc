// Command overseer runs the webhook-driven agent orchestrator.
//
// The service ingests GitHub webhooks, tracks each issue through the agent
// lifecycle in Redis, coordinates file locks across concurrent agents and
// drives the agent variants through the Anthropic API.
//
// # Configuration
//
// Settings come from an optional YAML file (-config flag) overridden by
// environment variables:
//
//	GITHUB_APP_ID             - GitHub App identifier
//	GITHUB_APP_PRIVATE_KEY    - PEM-encoded app private key
//	GITHUB_WEBHOOK_SECRET     - webhook HMAC secret
//	ANTHROPIC_API_KEY         - Anthropic API key
//	REDIS_URL                 - Redis URL (default: "redis://localhost:6379")
//	REDIS_PASSWORD            - Redis password (optional)
//	LISTEN_ADDR               - HTTP listen address (default: ":8080")
//	LOG_LEVEL                 - log level (default: "INFO")
//	FILE_LOCK_TTL_SECONDS     - file lock lifetime (default: 1800)
//	MAX_CONCURRENT_AGENTS     - agent execution ceiling (default: 3)
//	COST_ALERT_THRESHOLD_USD  - per-task cost alert (default: 10.0)
//	MODEL_HAIKU / MODEL_SONNET / MODEL_OPUS - model identifiers
//	AGENT_LABELS              - comma-separated trigger labels
//	DEV_MODE                  - relax credential validation (default: false)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"goa.design/clue/log"

	"github.com/swarmlab/overseer/config"
	"github.com/swarmlab/overseer/orchestrator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}

	opts := []log.LogOption{log.WithFormat(logFormat())}
	if strings.EqualFold(cfg.LogLevel, "debug") {
		opts = append(opts, log.WithDebug())
	}
	ctx := log.Context(context.Background(), opts...)

	o, err := orchestrator.New(ctx, orchestrator.Config{Settings: cfg})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	defer func() {
		if cerr := o.Close(ctx); cerr != nil {
			log.Error(ctx, cerr, log.KV{K: "msg", V: "close orchestrator"})
		}
	}()

	return o.Run(ctx)
}

// logFormat picks terminal output on a TTY and JSON otherwise.
func logFormat() log.FormatFunc {
	if log.IsTerminal() {
		return log.FormatTerminal
	}
	return log.FormatJSON
}
