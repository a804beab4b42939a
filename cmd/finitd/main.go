// finitd is a runlevel-and-condition service supervisor, written in Go.
// Run as PID 1 it is a complete init system; run unprivileged it supervises
// a user's own service set over its own control socket.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/finitd-project/finitd/pkg/condition"
	"github.com/finitd-project/finitd/pkg/config"
	"github.com/finitd-project/finitd/pkg/control"
	"github.com/finitd-project/finitd/pkg/eventloop"
	"github.com/finitd-project/finitd/pkg/launcher"
	"github.com/finitd-project/finitd/pkg/logging"
	"github.com/finitd-project/finitd/pkg/reaper"
	"github.com/finitd-project/finitd/pkg/service"
	"github.com/finitd-project/finitd/pkg/shutdown"
	"github.com/finitd-project/finitd/pkg/supervisor"
)

const version = "0.1.0"

func main() {
	// The hidden rlimit-exec re-exec helper bypasses the cobra command tree
	// entirely: it must run before anything else touches stdio or argv.
	if len(os.Args) > 1 && os.Args[1] == "__rlimit-exec" {
		if err := launcher.RunRLimitHelper(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "finitd: rlimit-exec: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var (
		configPath  string
		servicesDir string
		socketPath  string
		condDir     string
		runlevel    string
		logLevel    string
		showVersion bool
	)

	root := &cobra.Command{
		Use:   "finitd",
		Short: "runlevel and condition-driven service supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("finitd version %s\n", version)
				return nil
			}
			return run(configPath, servicesDir, socketPath, condDir, runlevel, logLevel)
		},
		SilenceUsage: true,
	}

	root.Flags().StringVar(&configPath, "config", "/etc/finitd.conf", "supervisor config file")
	root.Flags().StringVar(&servicesDir, "services-dir", "", "service stanza directory (comma-separated for multiple, overrides config)")
	root.Flags().StringVar(&socketPath, "socket-path", "", "control socket path (overrides config)")
	root.Flags().StringVar(&condDir, "condition-dir", "", "condition store directory (overrides config)")
	root.Flags().StringVar(&runlevel, "runlevel", "", "initial runlevel to reach after bootstrap (overrides config)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, notice, warn, error)")
	root.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, servicesDirFlag, socketPathFlag, condDirFlag, runlevelFlag, logLevelFlag string) error {
	logger := logging.New(parseLogLevel(logLevelFlag))
	isPID1 := os.Getpid() == 1

	var settings config.Settings
	if isPID1 || os.Getuid() == 0 {
		var err error
		settings, err = config.LoadSettings(configPath)
		if err != nil {
			logger.Warn("config: %v", err)
		}
	} else {
		settings = userSettings()
	}
	if servicesDirFlag != "" {
		settings.ServiceDirs = strings.Split(servicesDirFlag, ",")
	}
	if socketPathFlag != "" {
		settings.ControlSocket = socketPathFlag
	}
	if condDirFlag != "" {
		settings.ConditionDir = condDirFlag
	}

	defaultRunlevel := settings.DefaultRunlevel
	if runlevelFlag != "" {
		lvl, err := parseRunlevel(runlevelFlag)
		if err != nil {
			return err
		}
		defaultRunlevel = lvl
	}

	if isPID1 {
		logger.Notice("finitd starting as PID 1")
		if err := shutdown.InitPID1(logger); err != nil {
			logger.Warn("PID 1 init: %v", err)
		}
	} else {
		logger.Info("finitd starting in supervisor mode (socket %s)", settings.ControlSocket)
	}

	if err := os.MkdirAll(settings.ConditionDir, 0755); err != nil {
		logger.Warn("creating condition directory %q: %v", settings.ConditionDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(settings.ControlSocket), 0755); err != nil {
		logger.Warn("creating control socket directory: %v", err)
	}

	store := condition.New(settings.ConditionDir)
	store.SetAvailable(true)

	lnch := launcher.New("")
	reg := service.NewRegistry(store, lnch, logger, nil)

	reap := reaper.New(reg, logger, nil)
	loop := eventloop.New(reg, reap, logger)
	reg.SetArmTimer(loop.ArmTimerFunc())

	loader := config.NewLoader(settings.ServiceDirs)
	sup := supervisor.New(reg, loop, loader, logger, -1)
	sup.LogRelease = lnch.Release

	ctrlServer := control.NewServer(reg, loop, lnch, settings.ControlSocket, logger)
	ctrlServer.SetRunlevelFunc = sup.SetRunlevel
	ctrlServer.ReloadFunc = sup.Reload
	ctrlServer.ShutdownFunc = sup.Shutdown

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrlServer.Start(ctx); err != nil {
		logger.Error("control socket: %v", err)
	} else {
		defer ctrlServer.Stop()
	}

	watcher := condition.NewWatcher(settings.ConditionDir)
	if err := watcher.Watch(ctx, func(msg string) { logger.Warn("%s", msg) }); err != nil {
		logger.Warn("condition watcher: %v", err)
	} else {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-watcher.Events:
					logger.Debug("condition changed: %s", ev.Name)
					loop.Post(func() {
						for _, r := range reg.All() {
							reg.Notify(r, service.EventCondChange, service.EventPayload{})
						}
					})
				}
			}
		}()
	}

	runErr := sup.Run(ctx, defaultRunlevel)
	if runErr != nil && runErr != context.Canceled {
		logger.Error("event loop: %v", runErr)
	}

	if isPID1 {
		// sup.Run only returns once the context is cancelled; as PID 1 the
		// only thing that cancels it is a completed shutdown sequence having
		// already exec'd or rebooted, or a bug. Hang rather than let PID 1
		// exit, which would panic the kernel.
		shutdown.InfiniteHold()
	}

	logger.Info("finitd shutdown complete")
	return nil
}

// userSettings returns the per-user defaults used when finitd is run
// unprivileged, rooted under the caller's home directory rather than /etc
// and /run.
func userSettings() config.Settings {
	s := config.DefaultSettings()
	home, err := os.UserHomeDir()
	if err != nil {
		return s
	}
	s.ServiceDirs = []string{filepath.Join(home, ".config/finitd.d")}
	s.ConditionDir = filepath.Join(home, ".cache/finitd/cond")
	s.ControlSocket = filepath.Join(home, ".finitctl.sock")
	return s
}

func parseLogLevel(s string) logging.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LevelDebug
	case "notice":
		return logging.LevelNotice
	case "warn", "warning":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// parseRunlevel accepts "S" (bootstrap) or a digit 0-9.
func parseRunlevel(s string) (int, error) {
	if strings.EqualFold(s, "S") {
		return -1, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 9 {
		return 0, fmt.Errorf("invalid runlevel %q", s)
	}
	return n, nil
}
