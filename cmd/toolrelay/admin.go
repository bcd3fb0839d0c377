package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/toolrelay/internal/app"
	"github.com/MrWong99/toolrelay/internal/mcp/registry"
)

// adminTimeout bounds one-shot commands that launch tool servers.
const adminTimeout = 2 * time.Minute

var jsonOutput bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file",
	Long: `Load and validate the configuration file without starting anything.
Exits non-zero and lists every problem when the file is invalid.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Probe the port range and attach to running tool servers",
	Long: `Scan the configured port range, attach to every configured server whose
http_port is listening and report the result. Nothing is left running.`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(validateCmd, discoverCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s is valid\n", configPath)
	fmt.Fprintf(out, "  tool servers: %d\n", len(cfg.MCP.Servers))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, d := range cfg.MCP.Servers {
		state := "enabled"
		if d.Disabled {
			state = "disabled"
		}
		fmt.Fprintf(w, "    %s\t%s\t%s\t%s\n", d.ID, d.Mode(), d.Transport(), state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	llmName := cfg.Providers.LLM.Name
	if llmName == "" {
		llmName = "(none)"
	}
	fmt.Fprintf(out, "  llm: %s, fallbacks: %d, named: %d\n", llmName, len(cfg.Providers.Fallbacks), len(cfg.Providers.Named))
	return nil
}

// openRegistry loads the config and brings up its tool servers for a one-shot
// command. Logs go to stderr so stdout stays parseable.
func openRegistry(ctx context.Context) (*registry.Registry, registry.ApplyResult, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, registry.ApplyResult{}, err
	}
	var level slog.LevelVar
	level.Set(slog.LevelWarn)
	if cfg.Server.LogLevel != "" {
		level.Set(cfg.Server.LogLevel.Level())
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	reg, res, err := app.OpenRegistry(ctx, cfg, log)
	if err != nil {
		log.Warn("invalid tool server descriptors skipped", "err", err)
	}
	for id, ferr := range res.Failed {
		log.Warn("tool server failed to start", "server", id, "err", ferr)
	}
	return reg, res, nil
}

func closeRegistry(reg *registry.Registry) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := reg.Close(ctx); err != nil {
		slog.Warn("close registry", "err", err)
	}
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
	defer cancel()
	reg, _, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer closeRegistry(reg)

	ports, err := reg.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeIndented(out, map[string]any{"ports": ports, "servers": reg.Statuses()})
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tLISTENING")
	for _, p := range slices.Sorted(maps.Keys(ports)) {
		fmt.Fprintf(w, "%d\t%t\n", p, ports[p])
	}
	fmt.Fprintln(w)
	printStatuses(w, reg.Statuses())
	return w.Flush()
}

func printStatuses(w io.Writer, statuses []registry.ServerStatus) {
	fmt.Fprintln(w, "SERVER\tMODE\tSTATE\tTOOLS\tLAST ERROR")
	for _, s := range statuses {
		lastErr := "-"
		if s.LastError != "" {
			lastErr = s.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Mode, s.State, s.Tools, lastErr)
	}
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
