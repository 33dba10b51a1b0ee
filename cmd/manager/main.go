package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hostwatch/agent-manager/internal/adapter/httpserver"
	"github.com/hostwatch/agent-manager/internal/config"
	"github.com/hostwatch/agent-manager/internal/configstore"
	"github.com/hostwatch/agent-manager/internal/domain"
	dmerr "github.com/hostwatch/agent-manager/internal/domain/errors"
	"github.com/hostwatch/agent-manager/internal/firewall"
	"github.com/hostwatch/agent-manager/internal/hub"
	"github.com/hostwatch/agent-manager/internal/lifecycle"
	"github.com/hostwatch/agent-manager/internal/probe"
	"github.com/hostwatch/agent-manager/internal/release"
	"github.com/hostwatch/agent-manager/internal/schedtask"
	"github.com/hostwatch/agent-manager/internal/shortcut"
	"github.com/hostwatch/agent-manager/internal/status"
	"github.com/hostwatch/agent-manager/internal/support"
	"github.com/hostwatch/agent-manager/internal/svc"
)

// Stable process exit codes; scripts and the scheduled tasks depend on
// them.
const (
	exitOK      = 0
	exitPartial = 2
	exitFatal   = 3
)

const usage = `hostwatch-manager <command>

Commands:
  install          install the agent, register and start its service
  update           update the agent (--version pins, --force reinstalls)
  apply            re-apply settings without touching the binary
  uninstall        stop and remove the agent and everything it registered
  status           print the current install and hub status (--json)
  serve            run the local control API
  restart-agent    restart the agent service
  self-update      update this manager binary
  support-bundle   write a diagnostics archive into the data dir
  version          print version and build info
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	cmd := os.Args[1]

	if cmd == "version" {
		fmt.Printf("hostwatch-manager %s (built %s)\n", config.Version, config.BuildTime)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(cfg, "manager")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	app, err := wire(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(exitFatal)
	}

	// os.Exit skips deferred calls, so tear down explicitly.
	code := app.run(ctx, cmd, os.Args[2:])
	app.close()
	cancel()
	os.Exit(code)
}

// app bundles the wired components behind the subcommands.
type app struct {
	cfg      *config.Config
	orch     *lifecycle.Orchestrator
	reporter *status.Reporter
	services *svc.SystemdController
	tasks    *schedtask.Controller
	bundler  *support.Bundler
	logger   *slog.Logger
}

func wire(cfg *config.Config, logger *slog.Logger) (*app, error) {
	managerPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own executable: %w", err)
	}

	store := configstore.New(cfg.ConfigPath(), cfg.EnvFilePath())
	services := svc.NewSystemdController(logger)
	fw := firewall.New(firewall.ExecRunner{}, logger)
	tasks := schedtask.New(logger)
	shortcuts := shortcut.New(cfg.ShortcutName, logger)

	prb := probe.New(
		cfg.BinaryPath(), cfg.ServiceName, cfg.FirewallRuleName, cfg.UpdateTaskName,
		services, fw, tasks, shortcuts, store, logger,
	)

	orch := lifecycle.New(lifecycle.Deps{
		Config:      cfg,
		Store:       store,
		Probe:       prb,
		AgentSource: release.NewSource(cfg.AgentRepo, cfg.AgentAssetName, logger),
		SelfSource:  release.NewSource(cfg.ManagerRepo, cfg.ManagerAssetName, logger),
		AgentDL:     release.NewDownloader(cfg.StagingDir(), cfg.BinaryName, cfg.DownloadTimeout, logger),
		SelfDL:      release.NewDownloader(cfg.StagingDir(), cfg.ManagerAssetName, cfg.DownloadTimeout, logger),
		Services:    services,
		Firewall:    fw,
		Tasks:       tasks,
		Shortcuts:   shortcuts,
		ManagerPath: managerPath,
		Logger:      logger,
	})

	return &app{
		cfg:      cfg,
		orch:     orch,
		reporter: status.NewReporter(prb, hub.NewChecker(), store),
		services: services,
		tasks:    tasks,
		bundler:  support.New(cfg, store, services.UnitDir, logger),
		logger:   logger,
	}, nil
}

func (a *app) close() {
	a.services.Close()
	a.tasks.Close()
}

func (a *app) run(ctx context.Context, cmd string, args []string) int {
	switch cmd {
	case "install":
		return a.execute(ctx, domain.Operation{Kind: domain.OpInstall})
	case "update":
		op, err := parseUpdateArgs(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		return a.execute(ctx, op)
	case "apply":
		return a.execute(ctx, domain.Operation{Kind: domain.OpApplySettingsOnly})
	case "uninstall":
		return a.execute(ctx, domain.Operation{Kind: domain.OpUninstall})
	case "self-update":
		return a.execute(ctx, domain.Operation{Kind: domain.OpUpdateManager})
	case "status":
		return a.printStatus(ctx, args)
	case "serve":
		return a.serve(ctx)
	case "restart-agent":
		if err := a.services.Restart(ctx, a.cfg.ServiceName, a.cfg.ServiceTimeout); err != nil {
			a.logger.Error("agent restart failed", "err", err)
			return exitCodeFor(err)
		}
		a.logger.Info("agent restarted")
		return exitOK
	case "support-bundle":
		path, err := a.bundler.Create()
		if err != nil {
			a.logger.Error("support bundle failed", "err", err)
			return exitPartial
		}
		fmt.Println(path)
		return exitOK
	default:
		fmt.Fprint(os.Stderr, usage)
		return 1
	}
}

func (a *app) execute(ctx context.Context, op domain.Operation) int {
	result := a.orch.Execute(ctx, op)
	for _, step := range result.Steps {
		fmt.Printf("  %-24s %s\n", step.Name, step.Status)
	}
	switch result.Outcome {
	case domain.OutcomeSuccess:
		fmt.Printf("%s: success\n", op.Kind)
		return exitOK
	case domain.OutcomePartialFailure:
		fmt.Fprintf(os.Stderr, "%s: partial failure: %s (re-run to converge)\n", op.Kind, result.ErrorMessage())
		return exitPartial
	default:
		fmt.Fprintf(os.Stderr, "%s: fatal: %s\n", op.Kind, result.ErrorMessage())
		if errors.Is(result.Err, dmerr.ErrPermissionDenied) {
			fmt.Fprintln(os.Stderr, "insufficient privileges: re-run elevated (sudo)")
		}
		return exitFatal
	}
}

func (a *app) printStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print machine-readable status")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	report, err := a.reporter.Report(ctx)
	if err != nil {
		a.logger.Error("status failed", "err", err)
		return exitCodeFor(err)
	}

	if *asJSON {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		return exitOK
	}

	fmt.Printf("agent version:   %s\n", report.AgentVersion)
	fmt.Printf("manager version: %s\n", report.ManagerVersion)
	fmt.Printf("service:         registered=%t running=%t\n", report.ServiceRegistered, report.ServiceRunning)
	fmt.Printf("firewall rule:   %t\n", report.FirewallRule)
	fmt.Printf("scheduled task:  %t\n", report.ScheduledTask)
	fmt.Printf("hub:             %s\n", report.Hub)
	return exitOK
}

func (a *app) serve(ctx context.Context) int {
	if a.cfg.APISecret == "" {
		a.logger.Warn("HOSTWATCH_API_SECRET is not set; all API requests will be rejected")
	}
	api := httpserver.NewAPI(a.orch, a.reporter, a.logger)
	server := httpserver.NewServer(a.cfg.APIPort, api, a.cfg.APISecret, a.logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()
	a.logger.Info("control API listening", "port", a.cfg.APIPort)

	select {
	case err := <-errCh:
		a.logger.Error("control API stopped", "err", err)
		return exitFatal
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ServiceTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("control API shutdown", "err", err)
		}
		a.logger.Info("control API stopped cleanly")
		return exitOK
	}
}

func parseUpdateArgs(args []string) (domain.Operation, error) {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	version := fs.String("version", "", "pin the exact agent version to install")
	force := fs.Bool("force", false, "reinstall even when already current")
	if err := fs.Parse(args); err != nil {
		return domain.Operation{}, err
	}

	op := domain.Operation{Kind: domain.OpUpdateAgent}
	if *version != "" {
		v, err := domain.ParseVersion(*version)
		if err != nil {
			return domain.Operation{}, fmt.Errorf("--version: %w", err)
		}
		op.Target.Pinned = v
	}
	op.Target.ForceReinstall = *force
	return op, nil
}

func exitCodeFor(err error) int {
	if dmerr.IsFatal(err) {
		return exitFatal
	}
	return exitPartial
}
