// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command coach starts the AleutianCoach HTTP server.
//
// This is the main entry point for the containerized coach service.
// It reads configuration from environment variables and starts the
// server.
//
// # Environment Variables
//
//   - COACH_PORT: HTTP server port (default: 12310)
//   - LLM_BACKEND_TYPE: LLM provider - openai, ollama (default: ollama)
//   - COACH_STORAGE_PATH: Badger data directory (default: ./data/coach)
//   - COACH_PROTOCOL_DIR: Weekly protocol YAML directory (default: ./protocols)
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (optional)
//   - COACH_LOG_DIR: Log file directory (optional, stderr only when unset)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//
// # Usage
//
//	# Build
//	go build -o coach ./cmd/coach
//
//	# Run
//	./coach
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/AleutianAI/AleutianCoach/pkg/logging"
	"github.com/AleutianAI/AleutianCoach/services/coach"
)

func main() {
	// Setup structured logging
	logger, err := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  os.Getenv("COACH_LOG_DIR"),
		Service: "coach",
		JSON:    true,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	// Build configuration from environment variables
	cfg := coach.Config{
		Port:         getEnvInt("COACH_PORT", 12310),
		LLMBackend:   getEnvString("LLM_BACKEND_TYPE", "ollama"),
		StoragePath:  getEnvString("COACH_STORAGE_PATH", "./data/coach"),
		ProtocolDir:  getEnvString("COACH_PROTOCOL_DIR", "./protocols"),
		WeaviateURL:  os.Getenv("WEAVIATE_SERVICE_URL"),
		OTelEndpoint: getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "aleutian-otel-collector:4317"),
	}

	slog.Info("Starting coach",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"protocol_dir", cfg.ProtocolDir,
		"weaviate_url", cfg.WeaviateURL,
	)

	svc, err := coach.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create coach service: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Coach service error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
