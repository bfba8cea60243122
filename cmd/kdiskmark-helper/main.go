// kdiskmark-helper is the privileged helper for KDiskMark.
//
// It runs as root, normally started by systemd socket activation when the
// unprivileged client first connects. Each caller is authorized through polkit
// once; the helper then serves that single session (creating scratch files,
// running fio, dropping the page cache) and exits when the session ends.
//
// Lifecycle:
//  1. Load configuration (optional /etc/kdiskmark/helper.yaml)
//  2. Connect to polkit on the system bus
//  3. Take the activated socket or create our own
//  4. Notify systemd READY and serve until the session ends or a signal arrives
//  5. Notify systemd STOPPING and shut components down in order
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonmagon/kdiskmark/helper/internal/authz"
	"github.com/jonmagon/kdiskmark/helper/internal/config"
	"github.com/jonmagon/kdiskmark/helper/internal/helper"
	"github.com/jonmagon/kdiskmark/helper/internal/logging"
	"github.com/jonmagon/kdiskmark/helper/internal/process"
	"github.com/jonmagon/kdiskmark/helper/internal/session"
	"github.com/jonmagon/kdiskmark/helper/internal/shutdown"
	"github.com/jonmagon/kdiskmark/helper/internal/storage"
	"github.com/jonmagon/kdiskmark/helper/internal/systemd"
	"github.com/jonmagon/kdiskmark/helper/internal/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to configuration file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info("kdiskmark-helper"))
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	if *printConfig {
		data, err := config.Dump(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(data)
		os.Exit(0)
	}

	logger := logging.SetupLogger(cfg.LogLevel)
	logger.Info("helper starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("config_path", *configPath),
		slog.String("fio", cfg.FioPath),
		slog.String("action_id", cfg.ActionID),
		slog.Bool("systemd", systemd.IsRunningUnderSystemd()),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("helper failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// The session registry ends the helper by cancelling this context.
	ctx, cancel := context.WithCancelCause(sigCtx)
	defer cancel(nil)

	lifecycle := logging.WithComponent(logger, "lifecycle")

	policy, err := authz.NewPolkit()
	if err != nil {
		return err
	}

	registry := session.NewRegistry(logger, func(reason string) {
		lifecycle.Info("no authorized caller remains", slog.String("reason", reason))
		cancel(errors.New(reason))
	})
	gate := authz.NewGate(policy, registry, cfg.ActionID, cfg.AuthTimeout, logger)

	ctl := process.New(process.Options{
		ToolPath:       cfg.FioPath,
		KillAfter:      cfg.StopKillAfter,
		DropCachesPath: cfg.DropCachesPath,
	}, logger)

	h := helper.New(gate, registry, ctl, storage.NewLister(logger), logger)
	h.SetFatalHandler(func(err error) {
		lifecycle.Error("refusing request outside the scratch file contract, exiting",
			slog.String("error", err.Error()),
		)
		systemd.NotifyStopping()
		ctl.Stop()
		os.Exit(1)
	})

	srv := helper.NewServer(h, cfg.WriteTimeout, logger)
	ctl.SetCompletionHandler(srv.Notify)

	ln, err := listen(cfg.SocketPath, logger)
	if err != nil {
		policy.Shutdown(context.Background())
		return err
	}

	coordinator := shutdown.NewCoordinator(logger)
	coordinator.Register("policy", policy)
	coordinator.Register("process", ctl)
	coordinator.Register("server", srv)

	systemd.NotifyReady()
	lifecycle.Info("helper ready", slog.String("socket", ln.Addr().String()))

	if err := srv.Serve(ctx, ln); err != nil {
		lifecycle.Error("server error", slog.String("error", err.Error()))
	}

	systemd.NotifyStopping()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		lifecycle.Error("shutdown completed with errors", slog.String("error", err.Error()))
	}

	lifecycle.Info("helper stopped")
	return nil
}

// listen prefers a socket handed over by systemd and falls back to creating
// one at path.
func listen(path string, logger *slog.Logger) (net.Listener, error) {
	ln, err := systemd.ActivatedListener()
	if err != nil {
		return nil, err
	}
	if ln != nil {
		logger.Debug("using socket from systemd activation")
		return ln, nil
	}
	return helper.Listen(path)
}
