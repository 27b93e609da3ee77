// Command autopilot runs the enterprise autopilot governance engine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/builderaio/buildera-io-sub006/pkg/api"
	"github.com/builderaio/buildera-io-sub006/pkg/config"
	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
)

const version = "0.4.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes: 0 success, 1 runtime failure, 2 usage error.
func Run(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	slog.SetDefault(newLogger(cfg, stderr))

	if len(args) < 2 {
		return runServe(cfg, stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(cfg, stderr)
	case "cycle":
		return runCycleCmd(cfg, args[2:], stdout, stderr)
	case "iq":
		return runIQCmd(cfg, args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "autopilot %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "autopilot %s\n\n", version)
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  autopilot <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the HTTP API and the cycle scheduler (default)")
	printCommand(w, "cycle", "Run one cycle (--company, --department)")
	printCommand(w, "iq", "Print the Enterprise IQ of a company (--company, --department)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func loadServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	return NewServices(ctx, cfg, policy)
}

func runServe(cfg *config.Config, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := loadServices(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Close(shutdownCtx); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}()

	if err := svc.Scheduler.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer svc.Scheduler.Stop()

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Close()

	addr := ":" + cfg.Port
	slog.Info("autopilot ready", "addr", addr, "version", version, "shadow_mode", cfg.ShadowMode)
	if err := api.ListenAndServe(ctx, addr, svc.APIServer().Handler(limiter)); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	slog.Info("autopilot stopped")
	return 0
}

func runCycleCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("cycle", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var company, dept string
	cmd.StringVar(&company, "company", "", "Company ID (REQUIRED)")
	cmd.StringVar(&dept, "department", "", "Department type (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if company == "" || dept == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --company and --department are required")
		return 2
	}
	deptType := contracts.ParseDepartmentType(dept)
	if !deptType.Valid() {
		_, _ = fmt.Fprintf(stderr, "Error: unknown department %q\n", dept)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	svc, err := loadServices(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = svc.Close(context.Background()) }()

	summary, err := svc.Orchestrator.RunCycle(ctx, company, deptType)
	if summary != nil {
		writeJSON(stdout, summary)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runIQCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("iq", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var company, dept string
	cmd.StringVar(&company, "company", "", "Company ID (REQUIRED)")
	cmd.StringVar(&dept, "department", "", "Score a single department")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if company == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --company is required")
		return 2
	}

	ctx := context.Background()
	svc, err := loadServices(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = svc.Close(ctx) }()

	var res any
	if dept != "" {
		d := contracts.ParseDepartmentType(dept)
		if !d.Valid() {
			_, _ = fmt.Fprintf(stderr, "Error: unknown department %q\n", dept)
			return 2
		}
		res, err = svc.Scores.Department(ctx, company, d)
	} else {
		res, err = svc.Scores.Company(ctx, company)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	writeJSON(stdout, res)
	return 0
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		slog.Error("write output", "error", err)
	}
}
