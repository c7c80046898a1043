// cmd/managedsoftwareupdate/main.go

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/macadmins/capuchin/pkg/config"
	"github.com/macadmins/capuchin/pkg/facts"
	"github.com/macadmins/capuchin/pkg/logging"
	"github.com/macadmins/capuchin/pkg/process"
	"github.com/macadmins/capuchin/pkg/scripts"
	"github.com/macadmins/capuchin/pkg/session"
	"github.com/macadmins/capuchin/pkg/version"
)

// bootstrapFlagFile triggers a check-and-install run at next startup.
const bootstrapFlagFile = "/Users/Shared/.com.googlecode.munki.checkandinstallatstartup"

const (
	preflightScript  = "/usr/local/munki/preflight"
	postflightScript = "/usr/local/munki/postflight"
)

func main() {
	showConfig := pflag.Bool("show-config", false, "Display the current configuration and exit.")
	auto := pflag.Bool("auto", false, "Run as a background task; honors suppression preferences.")
	checkOnly := pflag.Bool("checkonly", false, "Check for updates, but don't notify the user.")
	versionFlag := pflag.Bool("version", false, "Print the version and exit.")
	setBootstrapMode := pflag.Bool("set-bootstrap-mode", false, "Enable bootstrap mode for next startup.")
	clearBootstrapMode := pflag.Bool("clear-bootstrap-mode", false, "Disable bootstrap mode.")

	var verbosity int
	pflag.CountVarP(&verbosity, "verbose", "v", "Increase verbosity (e.g. -v, -vv, -vvv)")
	pflag.Parse()

	if *versionFlag {
		version.Print()
		os.Exit(0)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *showConfig {
		if err := config.SaveConfig(cfg, "/dev/stdout"); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "You must run this as root!")
		os.Exit(1)
	}

	if *setBootstrapMode {
		if err := os.WriteFile(bootstrapFlagFile, nil, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to enable bootstrap mode: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Bootstrap mode enabled.")
		os.Exit(0)
	}
	if *clearBootstrapMode {
		if err := os.Remove(bootstrapFlagFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Failed to disable bootstrap mode: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Bootstrap mode disabled.")
		os.Exit(0)
	}

	level := logging.LevelInfo
	switch {
	case verbosity >= 2:
		level = logging.LevelDebug2
	case verbosity == 1:
		level = logging.LevelDebug
	}
	if err := logging.Init(logging.Options{
		BaseDir:       cfg.LogsPath(),
		Level:         level,
		EnableConsole: !*auto || verbosity > 0,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Close()

	if !process.EnsureSingleInstance("managedsoftwareupdate") {
		os.Exit(0)
	}

	runType := "manual"
	switch {
	case *checkOnly:
		runType = "checkonly"
		cfg.SuppressUserNotification = true
	case *auto:
		runType = "auto"
	}
	if _, err := os.Stat(bootstrapFlagFile); err == nil {
		runType = "checkandinstallatstartup"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A failing preflight aborts the whole run; admins use it to gate
	// check-ins.
	if code, err := scripts.RunExecutable(ctx, preflightScript, runType); err != nil {
		logging.Error("Preflight script failed to run", "error", err)
		os.Exit(1)
	} else if code != 0 {
		logging.Warn("Preflight script returned non-zero, skipping check", "exit_code", code)
		os.Exit(1)
	}

	host := facts.NewCollector()
	s := session.New(cfg, host)
	result, err := s.Run(ctx)
	if err != nil {
		logging.Error("Update check failed", "error", err)
	}

	if _, err := scripts.RunExecutable(ctx, postflightScript, runType); err != nil {
		logging.Warn("Postflight script failed to run", "error", err)
	}

	switch result {
	case session.ResultUpdatesAvailable:
		logging.Info("Updates are available")
		os.Exit(0)
	case session.ResultError:
		os.Exit(1)
	default:
		os.Exit(0)
	}
}
