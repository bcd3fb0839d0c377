package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/MrWong99/toolrelay/internal/mcp/registry"
	"github.com/MrWong99/toolrelay/internal/mcp/tools"
	"github.com/MrWong99/toolrelay/internal/mcp/tools/fileio"
	"github.com/MrWong99/toolrelay/internal/mcp/tools/random"
)

var (
	digestLimit  int
	listClient   string
	serveMode    string
	serveAddr    string
	serveSandbox string
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect, call and publish tools",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the merged tool catalog",
	Args:  cobra.NoArgs,
	RunE:  runToolsList,
}

var toolsDigestCmd = &cobra.Command{
	Use:   "digest [context,...]",
	Short: "Rank tools per context",
	Long: `Print the top tools for each context. Contexts are comma separated; the
"all" bucket is always included.

Examples:
  toolrelay tools digest
  toolrelay tools digest search,files --limit 3`,
	Args: cobra.MaximumNArgs(1),
	RunE: runToolsDigest,
}

var toolsCallCmd = &cobra.Command{
	Use:   "call <tool> [json-arguments]",
	Short: "Call one tool directly",
	Long: `Bring up the configured servers, call a tool once and print its output.
Arguments are a JSON object; omit them to call without arguments.

Examples:
  toolrelay tools call forecast '{"city":"Oslo"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runToolsCall,
}

var toolsServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Publish the built-in tools as an MCP server",
	Long: `Run the built-in tools (roll, pick, uuid and, with --sandbox, file access)
as an MCP server. Use --transport stdio to be launched as a command by another
relay, or http to listen for Streamable HTTP clients on --addr.`,
	Args: cobra.NoArgs,
	RunE: runToolsServe,
}

func init() {
	toolsListCmd.Flags().StringVar(&listClient, "client", "", "only show tools visible to this client id")
	toolsListCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")
	toolsDigestCmd.Flags().IntVar(&digestLimit, "limit", 5, "tools per context")
	toolsServeCmd.Flags().StringVar(&serveMode, "transport", "stdio", "stdio or http")
	toolsServeCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:9000", "listen address for the http transport")
	toolsServeCmd.Flags().StringVar(&serveSandbox, "sandbox", "", "directory exposed to the file tools; file tools are off when empty")

	toolsCmd.AddCommand(toolsListCmd, toolsDigestCmd, toolsCallCmd, toolsServeCmd)
	rootCmd.AddCommand(toolsCmd)
}

// startedRegistry opens the registry and, in lazy mode, launches the servers.
func startedRegistry(ctx context.Context) (*registry.Registry, error) {
	reg, _, err := openRegistry(ctx)
	if err != nil {
		return nil, err
	}
	if err := reg.EnsureStarted(ctx); err != nil {
		closeRegistry(reg)
		return nil, fmt.Errorf("start tool servers: %w", err)
	}
	return reg, nil
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
	defer cancel()
	reg, err := startedRegistry(ctx)
	if err != nil {
		return err
	}
	defer closeRegistry(reg)

	specs := reg.ToolSpecs(listClient)
	if jsonOutput {
		return writeIndented(cmd.OutOrStdout(), specs)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tSERVER\tDESCRIPTION")
	for _, spec := range specs {
		server := "-"
		if b, ok := reg.Lookup(spec.Name); ok {
			server = b.Server
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", spec.Name, server, firstLine(spec.Description, 60))
	}
	return w.Flush()
}

func runToolsDigest(cmd *cobra.Command, args []string) error {
	var contexts []string
	if len(args) == 1 {
		for c := range strings.SplitSeq(args[0], ",") {
			if c = strings.TrimSpace(c); c != "" {
				contexts = append(contexts, c)
			}
		}
	}
	if digestLimit < 1 {
		return errors.New("--limit must be at least 1")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
	defer cancel()
	reg, err := startedRegistry(ctx)
	if err != nil {
		return err
	}
	defer closeRegistry(reg)

	return writeIndented(cmd.OutOrStdout(), reg.Digest(contexts, digestLimit))
}

func runToolsCall(cmd *cobra.Command, args []string) error {
	argsJSON := "{}"
	if len(args) == 2 {
		argsJSON = args[1]
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
	defer cancel()
	reg, err := startedRegistry(ctx)
	if err != nil {
		return err
	}
	defer closeRegistry(reg)

	res, err := reg.CallTool(ctx, args[0], argsJSON)
	if err != nil {
		var unknown *registry.UnknownToolError
		if errors.As(err, &unknown) && len(unknown.Suggestions) > 0 {
			return fmt.Errorf("%w (did you mean %s?)", err, strings.Join(unknown.Suggestions, ", "))
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, res.Content)
	for _, m := range res.Media {
		fmt.Fprintf(out, "[%s, %d bytes]\n", m.MIMEType, len(m.Data))
	}
	slog.Debug("tool call finished", "tool", args[0], "duration_ms", res.DurationMs)
	if res.IsError {
		return fmt.Errorf("tool %q reported an error", args[0])
	}
	return nil
}

func runToolsServe(cmd *cobra.Command, _ []string) error {
	// stdout carries the protocol in stdio mode.
	var level slog.LevelVar
	log := newLogger(os.Stderr, "", &level)

	sets := [][]tools.Tool{random.Tools()}
	if serveSandbox != "" {
		fio, err := fileio.NewTools(serveSandbox)
		if err != nil {
			return err
		}
		sets = append(sets, fio)
	}
	server, err := tools.NewServer("toolrelay-builtin", version, log, sets...)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	switch serveMode {
	case "stdio":
		log.Info("serving built-in tools over stdio")
		if err := server.Run(ctx, &mcpsdk.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("stdio server: %w", err)
		}
		return nil
	case "http":
		return serveToolsHTTP(ctx, server, log)
	}
	return fmt.Errorf("unknown transport %q (want stdio or http)", serveMode)
}

func serveToolsHTTP(ctx context.Context, server *mcpsdk.Server, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return server }, nil))

	ln, err := net.Listen("tcp", serveAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", serveAddr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info("serving built-in tools", "endpoint", "http://"+ln.Addr().String()+"/mcp")

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

// firstLine trims s to its first line and at most n runes.
func firstLine(s string, n int) string {
	s, _, _ = strings.Cut(s, "\n")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
