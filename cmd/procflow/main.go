package main

import (
	"fmt"
	"log/slog"
	"os"
)

const usageText = `procflow - declarative business process engine

Usage:
  procflow <command> [flags]

Commands:
  validate  Check a process definition file without registering it
  register  Validate and store a process definition
  run       Start an execution of a registered definition
  resume    Apply a decision to a suspended execution
  cancel    Cancel an execution
  status    Show an execution with its node history and events
  serve     Run the scheduler loop (cron triggers and deadline sweeps)
  version   Print the version

Run "procflow <command> -h" for command flags.
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return 2
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	switch args[0] {
	case "validate":
		return cmdValidate(args[1:])
	case "register":
		return cmdRegister(args[1:], cfg, logger)
	case "run":
		return cmdRun(args[1:], cfg, logger)
	case "resume":
		return cmdResume(args[1:], cfg, logger)
	case "cancel":
		return cmdCancel(args[1:], cfg, logger)
	case "status":
		return cmdStatus(args[1:], cfg, logger)
	case "serve":
		return cmdServe(args[1:], cfg, logger)
	case "version":
		printVersion()
		return 0
	case "-h", "--help", "help":
		fmt.Print(usageText)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usageText)
		return 2
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
