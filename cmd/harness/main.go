// Command harness is the CLI entrypoint for the autonomous build harness: it
// opens the store, wires the event bus, agent runner, and scheduler, and
// dispatches one operator verb per invocation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/nek1987/auto-agent-harness-sub001/internal/apperr"
	"github.com/nek1987/auto-agent-harness-sub001/internal/config"
	"github.com/nek1987/auto-agent-harness-sub001/internal/controller"
	"github.com/nek1987/auto-agent-harness-sub001/internal/domain"
	"github.com/nek1987/auto-agent-harness-sub001/internal/eventbus"
	"github.com/nek1987/auto-agent-harness-sub001/internal/store"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

// Exit codes, spec §6.
const (
	exitOK                 = 0
	exitGeneric            = 1
	exitInvalidArgument    = 2
	exitInvariantViolation = 3
	exitNotFound           = 4
	exitConcurrentConflict = 5
)

func main() {
	var (
		dbPath      = flag.String("db", "", "SQLite database path (overrides config file)")
		configPath  = flag.String("config", "harness.toml", "Path to TOML config file")
		promptsDir  = flag.String("prompts", "prompts", "Directory holding per-role prompt templates")
		verifyCmd   = flag.String("verify-cmd", "", "Verification command, space-separated")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("harness %s (commit %s)\n", version, gitCommit)
		os.Exit(exitOK)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(exitInvalidArgument)
	}
	verb := args[0]
	rest := args[1:]

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf(exitGeneric, "load config: %v", err)
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		fatalf(exitGeneric, "open database: %v", err)
	}
	defer db.Close()
	st := store.New(db)

	bus := eventbus.New(st, cfg.EventBufferSize)
	runner := controller.NewAgentRunner(cfg, *promptsDir)

	var verify controller.ProcessVerificationHook
	if *verifyCmd != "" {
		verify.Command = strings.Fields(*verifyCmd)
		verify.Timeout = time.Duration(cfg.VerificationTimeoutS) * time.Second
	}

	mgr := controller.NewManager(cfg, st, bus, runner, verify, logger)

	housekeeper := store.NewHousekeeper(st, logger, time.Duration(cfg.SpecAnalysisTTLS)*time.Second, cfg.EventRetentionPerProject)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := housekeeper.Start(ctx); err != nil {
		logger.Warn("housekeeping sweep did not start", "error", err)
	}
	defer housekeeper.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	code := dispatch(ctx, mgr, verb, rest, logger)
	os.Exit(code)
}

func dispatch(ctx context.Context, mgr *controller.Manager, verb string, args []string, logger *slog.Logger) int {
	switch verb {
	case "register":
		if len(args) < 2 {
			return usageErr("register <slug> <workspace-path> [spec-method]")
		}
		method := domain.SpecMethodNatural
		if len(args) >= 3 {
			method = domain.SpecMethod(args[2])
		}
		project, err := mgr.Register(ctx, args[0], args[1], method)
		return report(project, err, logger)

	case "set-spec-inputs":
		if len(args) < 2 {
			return usageErr("set-spec-inputs <slug> <path-to-spec-doc>")
		}
		raw, rerr := os.ReadFile(args[1])
		if rerr != nil {
			return report(nil, rerr, logger)
		}
		err := mgr.SetSpecInputs(ctx, args[0], string(raw))
		return report(nil, err, logger)

	case "generate-features":
		if len(args) < 1 {
			return usageErr("generate-features <slug> [min] [max]")
		}
		target := parseTarget(args[1:])
		n, err := mgr.GenerateFeatures(ctx, args[0], target)
		if err == nil {
			fmt.Printf("%s generated %s features\n", styleOK(), humanize.Comma(int64(n)))
		}
		return report(nil, err, logger)

	case "start-build":
		if len(args) < 1 {
			return usageErr("start-build <slug>")
		}
		if err := mgr.StartBuild(ctx, args[0]); err != nil {
			return report(nil, err, logger)
		}
		fmt.Printf("%s build started for %s, press Ctrl+C to stop\n", styleOK(), args[0])
		done := mgr.WaitForCompletion(args[0])
		select {
		case <-done:
		case <-ctx.Done():
			logger.Info("stopping build on shutdown signal", "project", args[0])
			_ = mgr.Stop(context.Background(), args[0])
			<-done
		}
		return exitOK

	case "pause":
		if len(args) < 1 {
			return usageErr("pause <slug>")
		}
		return report(nil, mgr.Pause(ctx, args[0]), logger)

	case "resume":
		if len(args) < 1 {
			return usageErr("resume <slug>")
		}
		return report(nil, mgr.Resume(ctx, args[0]), logger)

	case "stop":
		if len(args) < 1 {
			return usageErr("stop <slug>")
		}
		return report(nil, mgr.Stop(ctx, args[0]), logger)

	case "restart-feature":
		if len(args) < 2 {
			return usageErr("restart-feature <slug> <feature-id>")
		}
		id, perr := strconv.ParseInt(args[1], 10, 64)
		if perr != nil {
			return usageErr("feature-id must be an integer")
		}
		return report(nil, mgr.RestartFeature(ctx, args[0], id), logger)

	case "analyze-spec-update":
		if len(args) < 2 {
			return usageErr("analyze-spec-update <slug> <path-to-new-spec-doc>")
		}
		raw, rerr := os.ReadFile(args[1])
		if rerr != nil {
			return report(nil, rerr, logger)
		}
		target := parseTarget(args[2:])
		analysis, err := mgr.AnalyzeSpecUpdate(ctx, args[0], string(raw), target)
		if err == nil {
			payload, _ := json.MarshalIndent(analysis, "", "  ")
			fmt.Println(string(payload))
		}
		return report(nil, err, logger)

	case "apply-spec-update":
		if len(args) < 2 {
			return usageErr("apply-spec-update <slug> <analysis-id> [mappings.json]")
		}
		var mappings []domain.FeatureMapping
		if len(args) >= 3 {
			raw, rerr := os.ReadFile(args[2])
			if rerr != nil {
				return report(nil, rerr, logger)
			}
			if jerr := json.Unmarshal(raw, &mappings); jerr != nil {
				return usageErr("invalid mappings JSON: " + jerr.Error())
			}
		}
		return report(nil, mgr.ApplySpecUpdate(ctx, args[0], args[1], mappings), logger)

	case "start-reference-session":
		if len(args) < 1 {
			return usageErr("start-reference-session <slug>")
		}
		sess, err := mgr.StartReferenceSession(ctx, args[0])
		return report(sess, err, logger)

	case "generate-features-from-references":
		if len(args) < 2 {
			return usageErr("generate-features-from-references <slug> <session-id> [min] [max]")
		}
		target := parseTarget(args[2:])
		n, err := mgr.GenerateFeaturesFromReferences(ctx, args[0], args[1], target)
		if err == nil {
			fmt.Printf("%s generated %s features from references\n", styleOK(), humanize.Comma(int64(n)))
		}
		return report(nil, err, logger)

	case "start-redesign":
		if len(args) < 1 {
			return usageErr("start-redesign <slug>")
		}
		return report(nil, mgr.StartRedesign(ctx, args[0]), logger)

	default:
		fmt.Fprintf(os.Stderr, "unknown verb %q\n", verb)
		flag.Usage()
		return exitInvalidArgument
	}
}

func parseTarget(args []string) *domain.FeatureCountTarget {
	if len(args) < 2 {
		return nil
	}
	min, err1 := strconv.Atoi(args[0])
	max, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil {
		return nil
	}
	return &domain.FeatureCountTarget{Min: min, Max: max}
}

func report(v any, err error, logger *slog.Logger) int {
	if err == nil {
		if v != nil {
			payload, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(payload))
		}
		return exitOK
	}
	logger.Error(err.Error())
	return exitCodeFor(err)
}

// exitCodeFor maps the error taxonomy of spec §7 onto the CLI's exit codes
// (spec §6).
func exitCodeFor(err error) int {
	switch {
	case apperr.Is(err, apperr.KindNotFound):
		return exitNotFound
	case apperr.Is(err, apperr.KindConcurrency):
		return exitConcurrentConflict
	case apperr.Is(err, apperr.KindInvalidTransition):
		return exitInvariantViolation
	case apperr.Is(err, apperr.KindValidation):
		return exitInvalidArgument
	default:
		return exitGeneric
	}
}

func usageErr(msg string) int {
	fmt.Fprintln(os.Stderr, "usage: harness "+msg)
	return exitInvalidArgument
}

func fatalf(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, banner())
	fmt.Fprintln(os.Stderr, "usage: harness [flags] <verb> [args...]")
	flag.PrintDefaults()
}

func banner() string {
	title := "autonomous build harness"
	if isatty.IsTerminal(os.Stderr.Fd()) {
		style := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
		return style.Render(title)
	}
	return title
}

func styleOK() string {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("76")).Render("OK")
	}
	return "OK"
}
