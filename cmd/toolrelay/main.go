// Command toolrelay runs the tool relay server and its administration tools.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/toolrelay/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "toolrelay",
	Short: "Relay model conversations to MCP tool servers",
	Long: `toolrelay connects a language model to a fleet of MCP tool servers.
It launches or attaches to the configured servers, merges their tools into one
catalog and runs multi-hop tool-calling turns over HTTP and websockets.

Examples:
  toolrelay serve -c config.yaml          # run the server
  toolrelay validate                      # check a config file
  toolrelay discover                      # probe the configured port range
  toolrelay tools digest search,files     # rank tools per context
  toolrelay tools call forecast '{"city":"Oslo"}'
  toolrelay tools serve --sandbox ./data  # publish the built-in tools`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
}

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "toolrelay: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig reads the file named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", configPath)
	}
	return cfg, err
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// newLogger writes text logs to w at the level held by lv, which starts at
// level and can be changed later on hot reload.
func newLogger(w io.Writer, level config.LogLevel, lv *slog.LevelVar) *slog.Logger {
	lv.Set(level.Level())
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv}))
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
