package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/des-testbed/etxd/internal/app"
	"github.com/des-testbed/etxd/internal/config"
	"github.com/des-testbed/etxd/internal/util"
	"github.com/des-testbed/etxd/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runCmd := flag.NewFlagSet("run", flag.ExitOnError)
			configPath := runCmd.String("config", "etxd.yaml", "Path to config file")
			debug := runCmd.Bool("debug", false, "Enable debug logging")
			_ = runCmd.Parse(os.Args[2:])
			runDaemon(*configPath, *debug)
			return
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", "etxd.yaml", "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			checkConfig(*configPath)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}

	configPath := flag.String("config", "etxd.yaml", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	runDaemon(*configPath, *debug)
}

func runDaemon(configPath string, debug bool) {
	logger := util.NewLogger(debug)
	if runtime.GOOS != "linux" {
		logger.Error("unsupported OS", "goos", runtime.GOOS)
		os.Exit(1)
	}
	supervisor := app.NewSupervisor(configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			break
		}
		logger.Info("restart requested")
		if err := supervisor.Restart(); err != nil {
			logger.Error("restart failed", "error", err)
			os.Exit(1)
		}
	}
	logger.Info("shutdown requested")
	supervisor.Stop()
}

func checkConfig(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config valid: %d interfaces, probing every %s over a %s window (%d probes expected per window)\n",
		len(cfg.Interfaces), cfg.Probe.Interval.Duration(), cfg.Probe.Window.Duration(), cfg.Probe.ExpectedProbes())
	os.Exit(0)
}

func printHelp() {
	fmt.Print(`etxd - ETX link quality daemon

Usage:
  etxd run --config <path>   Start the daemon
  etxd check --config <path> Validate config file
  etxd help                  Show this help
  etxd version               Print version

Legacy:
  etxd --config <path>
`)
}
