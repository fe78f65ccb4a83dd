// Package main is flowctl, the flow engine's CLI (spec §4.L): "run" to
// execute a single flow file and print its result, "serve" to host the
// HTTP API. Grounded on the teacher's cmd/gcw-emulator/main.go cobra
// wiring and cmd/emulator/main.go's flag-then-env-then-default
// precedence helper.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/flowkit/flowengine/internal/api"
	"github.com/flowkit/flowengine/internal/config"
	"github.com/flowkit/flowengine/internal/handler/echo"
	"github.com/flowkit/flowengine/internal/handler/httprpc"
	"github.com/flowkit/flowengine/internal/store"
	"github.com/flowkit/flowengine/pkg/errs"
	"github.com/flowkit/flowengine/pkg/executor"
	"github.com/flowkit/flowengine/pkg/flow"
	"github.com/flowkit/flowengine/pkg/parser"
	"github.com/flowkit/flowengine/pkg/policy"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var (
	envFile      string
	policiesFile string
)

var rootCmd = &cobra.Command{
	Use:   "flowctl",
	Short: "Declarative workflow execution engine",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && envFile != ".env" {
			return fmt.Errorf("loading env file %q: %w", envFile, err)
		}
		p, err := config.LoadPolicy(policiesFile)
		if err != nil {
			return fmt.Errorf("loading policies file %q: %w", policiesFile, err)
		}
		policy.SetBuiltinDefault(p)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <file.yaml>",
	Short: "Execute a flow once and print its result",
	Args:  cobra.ExactArgs(1),
	RunE:  runFlow,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  serve,
}

func init() {
	rootCmd.Version = version + " (commit=" + commit + ", built=" + date + ")"
	rootCmd.SetVersionTemplate("flowctl version {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load")
	rootCmd.PersistentFlags().StringVar(&policiesFile, "policies", "", "TOML file supplying the built-in default policy layer")

	runCmd.Flags().Bool("mock", false, "use an in-process echo handler instead of the default HTTP handler")
	runCmd.Flags().String("handler-url", "", "base URL for the default HTTP handler (env HANDLER_URL)")

	serveCmd.Flags().String("addr", "", "HTTP listen address (default :8080, env ADDR)")
	serveCmd.Flags().String("handler-url", "", "base URL for the default HTTP handler (env HANDLER_URL)")

	rootCmd.AddCommand(runCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runFlow(cmd *cobra.Command, args []string) error {
	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %q: %w", args[0], err)
	}
	f, err := parser.Parse(source)
	if err != nil {
		return fmt.Errorf("parsing %q: %w", args[0], err)
	}

	mock, _ := cmd.Flags().GetBool("mock")
	handlerURL, _ := cmd.Flags().GetString("handler-url")
	h := resolveHandler(mock, handlerURL)

	ex, err := flow.New(f, h, nil)
	if err != nil {
		return fmt.Errorf("building executor for %q: %w", f.Name, err)
	}

	res, err := ex.Execute(cmd.Context(), fmt.Sprintf("%s-run-1", f.Name))
	if res != nil {
		out := map[string]interface{}{
			"runId":   res.RunID,
			"state":   res.State,
			"steps":   stepResultsJSON(res),
			"context": res.Context.ToGo(),
		}
		b, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(b))
	}
	if _, ok := err.(*errs.ExecutionError); ok {
		// The per-step failures are already visible in the printed
		// result; a bare exit code is enough for scripting.
		os.Exit(1)
	}
	return err
}

func stepResultsJSON(res *flow.Result) map[string]interface{} {
	out := make(map[string]interface{}, len(res.StepResults))
	for name, v := range res.StepResults {
		out[name] = v.ToGo()
	}
	return out
}

func resolveHandler(mock bool, urlFlag string) executor.Handler {
	if mock {
		return echo.New()
	}
	url := envOrDefault("HANDLER_URL", "")
	if urlFlag != "" {
		url = urlFlag
	}
	if url == "" {
		return echo.New()
	}
	return httprpc.New(url)
}

func serve(cmd *cobra.Command, args []string) error {
	addr := envOrDefault("ADDR", ":8080")
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		addr = v
	}
	handlerURL, _ := cmd.Flags().GetString("handler-url")
	h := resolveHandler(false, handlerURL)

	s := store.New()
	server := api.New(s, h)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("shutting down flowctl serve...")
		if err := server.Shutdown(); err != nil {
			log.Printf("error during shutdown: %v", err)
		}
	}()

	log.Printf("flowctl serve listening on %s", addr)
	return server.Listen(addr)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
