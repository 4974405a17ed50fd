// Command kindoo is the terminal chat client. It drives the sync engine:
// session store, conversation directory and one timeline reconciler per open
// conversation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"kindoo/internal/api"
	"kindoo/internal/session"
	"kindoo/internal/storage"
)

func main() {
	serverURL := flag.String("server", "", "backend base url (defaults to $KINDOO_SERVER or http://localhost:8080)")
	flag.Parse()

	_ = godotenv.Load()
	if *serverURL == "" {
		*serverURL = os.Getenv("KINDOO_SERVER")
	}
	if *serverURL == "" {
		*serverURL = "http://localhost:8080"
	}

	dir, err := storage.DefaultDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolving config dir: %v\n", err)
		os.Exit(1)
	}
	logger := newFileLogger(dir)
	defer logger.Sync()

	vault := storage.New(dir)
	client := api.New(*serverURL, logger)
	sessions := session.New(client, vault, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newModel(ctx, *serverURL, client, vault, sessions, logger)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "kindoo: %v\n", err)
		os.Exit(1)
	}
}

// newFileLogger writes logs next to the session file; stdout belongs to the
// TUI.
func newFileLogger(dir string) *zap.Logger {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return zap.NewNop()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{filepath.Join(dir, "kindoo.log")}
	cfg.ErrorOutputPaths = cfg.OutputPaths
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
