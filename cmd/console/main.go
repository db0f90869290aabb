// Package main - terminal console for the panic-relay agent
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"panic-relay/internal/logger"
)

type appConfig struct {
	agentURL  string
	secret    string
	logFile   string
	logLevel  string
	altScreen bool
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseFlags() appConfig {
	cfg := appConfig{}
	flag.StringVar(&cfg.agentURL, "agent", envOr("PANIC_AGENT_URL", "http://127.0.0.1:8787"), "Agent control API base URL")
	flag.StringVar(&cfg.secret, "secret", os.Getenv("PANIC_CONTROL_SECRET"), "Control API secret key")
	flag.StringVar(&cfg.logFile, "log-file", filepath.Join(os.TempDir(), "panic-console.log"), "Log file path")
	flag.StringVar(&cfg.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "Log level")
	flag.BoolVar(&cfg.altScreen, "alt-screen", true, "Use the alternate screen")
	flag.Parse()
	return cfg
}

func main() {
	cfg := parseFlags()

	// The terminal belongs to the UI: logs go to a file
	flush, err := logger.Install(logger.Options{
		Level:       cfg.logLevel,
		Format:      "json",
		ServiceName: "panic-console",
		OutputPath:  cfg.logFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "panic-console: %v\n", err)
		os.Exit(1)
	}
	defer flush()

	m := newModel(newAgentClient(cfg.agentURL, cfg.secret))
	p := tea.NewProgram(m)
	if cfg.altScreen {
		p = tea.NewProgram(m, tea.WithAltScreen())
	}
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "panic-console fatal error: %v\n", err)
		os.Exit(1)
	}
}
