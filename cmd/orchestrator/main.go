// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator runs the retrieval-and-synthesis HTTP service.
//
// Configuration comes from flags, which default to environment
// variables, which default to sane built-ins. A .env file in the
// working directory is loaded first when present.
package main

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/agentrag/services/orchestrator"
)

var cfg orchestrator.Config

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Agentic retrieval and synthesis service",
	Long: "The orchestrator answers conversational questions by retrieving " +
		"grounding from a document corpus (and optionally the web), then " +
		"synthesizing cited answers with an LLM.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := orchestrator.New(cfg)
		if err != nil {
			return err
		}
		return svc.Run()
	},
}

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded .env file")
	}
	initLogging()
	initFlags()

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// initLogging selects the slog handler by output destination: human
// readable text on a terminal, JSON for pipelines and log collectors.
func initLogging() {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func initFlags() {
	f := serveCmd.Flags()
	f.IntVar(&cfg.Port, "port", envInt("ORCHESTRATOR_PORT", 12210), "HTTP listen port")
	f.StringVar(&cfg.SynthesisModel, "model", os.Getenv("OPENAI_MODEL"), "synthesis model name")
	f.StringVar(&cfg.RouterModel, "router-model", os.Getenv("ROUTER_MODEL"), "routing/planning model name")
	f.StringVar(&cfg.OpenAIBaseURL, "openai-base-url", os.Getenv("OPENAI_BASE_URL"), "LLM API base URL override")
	f.StringVar(&cfg.WeaviateURL, "weaviate-url", os.Getenv("WEAVIATE_URL"), "vector database URL (empty disables corpus retrieval)")
	f.StringVar(&cfg.KnowledgeAgentURL, "agent-url", os.Getenv("KNOWLEDGE_AGENT_URL"), "knowledge agent URL (optional)")
	f.StringSliceVar(&cfg.FederatedClasses, "extra-classes", envList("WEAVIATE_EXTRA_CLASSES"), "additional vector classes for multi-index federation")
	f.StringVar(&cfg.SessionBackend, "session-backend", envStr("SESSION_BACKEND", "memory"), "session store: memory, badger or weaviate")
	f.StringVar(&cfg.BadgerPath, "badger-path", os.Getenv("BADGER_PATH"), "badger session store directory")
	f.DurationVar(&cfg.SessionTTL, "session-ttl", envDuration("SESSION_TTL", 0), "idle session lifetime")
	f.StringVar(&cfg.TunablesPath, "tunables", os.Getenv("TUNABLES_PATH"), "tunables JSON file to hot-reload")
	f.StringVar(&cfg.OTelEndpoint, "otel-endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "OpenTelemetry collector endpoint")
	f.BoolVar(&cfg.EnableMetrics, "metrics", envBool("ENABLE_METRICS", true), "expose Prometheus /metrics")
	f.BoolVar(&cfg.ExposeAdmin, "expose-admin", envBool("EXPOSE_ADMIN", false), "expose /v1/admin routes")
	f.StringVar(&cfg.GinMode, "gin-mode", os.Getenv("GIN_MODE"), "gin framework mode")
}

func envStr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envList(name string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring unparseable env value", "name", name, "value", raw)
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("Ignoring unparseable env value", "name", name, "value", raw)
		return fallback
	}
	return v
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("Ignoring unparseable env value", "name", name, "value", raw)
		return fallback
	}
	return v
}
