package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/quailyquaily/strait/strait"
	"github.com/spf13/cobra"
)

func resolveLogLevel(cmd *cobra.Command) (slog.Level, error) {
	raw, _ := cmd.Flags().GetString("log-level")
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid --log-level %q (want debug|info|warn|error)", raw)
	}
}

func loggerFromCmd(cmd *cobra.Command) *slog.Logger {
	level, err := resolveLogLevel(cmd)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func defaultStraitDir() string {
	if v := strings.TrimSpace(os.Getenv("STRAIT_DIR")); v != "" {
		return expandHomePath(v)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".strait"
	}
	return filepath.Join(home, ".strait")
}

func expandHomePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return path
}

func stateDirFromCmd(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("dir")
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = defaultStraitDir()
	}
	return expandHomePath(dir)
}

func identityFromCmd(cmd *cobra.Command) (string, error) {
	identity, _ := cmd.Flags().GetString("identity")
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("--identity is required")
	}
	return identity, nil
}

func relayConfigFromCmd(cmd *cobra.Command) (*strait.RelayConfigStore, error) {
	return strait.NewRelayConfigStore(filepath.Join(stateDirFromCmd(cmd), "relays"))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
