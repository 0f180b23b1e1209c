package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/procflow/procflow/internal/engine"
	"github.com/procflow/procflow/internal/executors"
	"github.com/procflow/procflow/internal/scheduler"
	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/internal/validation"
	"github.com/procflow/procflow/pkg/schema"
)

// openStore opens (and migrates) the libSQL store at the configured path.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func openEngine(s store.Store, cfg Config, logger *slog.Logger) (engine.Engine, error) {
	return engine.New(s, executors.Ports{}, engine.Config{PoolSize: cfg.PoolSize}, logger)
}

func loadDefinition(path string) (*schema.ProcessDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def schema.ProcessDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	return &def, nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	fmt.Println(string(out))
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

func cmdValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	file := fs.String("file", "", "path to the process definition JSON")
	_ = fs.Parse(args)
	if *file == "" {
		fs.Usage()
		return 2
	}

	def, err := loadDefinition(*file)
	if err != nil {
		return fail(err)
	}

	v, err := validation.NewProcessValidator()
	if err != nil {
		return fail(err)
	}

	result := v.Validate(def)
	printJSON(result)
	if !result.Valid() {
		return 1
	}
	fmt.Fprintf(os.Stderr, "%s v%d is valid (%d warnings)\n", def.ID, def.Version, len(result.Warnings))
	return 0
}

func cmdRegister(args []string, cfg Config, logger *slog.Logger) int {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	file := fs.String("file", "", "path to the process definition JSON")
	_ = fs.Parse(args)
	if *file == "" {
		fs.Usage()
		return 2
	}

	def, err := loadDefinition(*file)
	if err != nil {
		return fail(err)
	}

	v, err := validation.NewProcessValidator()
	if err != nil {
		return fail(err)
	}
	if result := v.Validate(def); !result.Valid() {
		printJSON(result)
		return 1
	}

	ctx := context.Background()
	s, err := openStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	defer s.Close()

	if def.Version == 0 {
		def.Version = 1
	}
	rec := &store.DefinitionRecord{
		ID:         def.ID,
		Version:    def.Version,
		Name:       def.Name,
		Definition: *def,
	}
	if err := s.SaveDefinition(ctx, rec); err != nil {
		return fail(err)
	}

	logger.Info("definition registered", "id", def.ID, "version", def.Version)
	return 0
}

func cmdRun(args []string, cfg Config, logger *slog.Logger) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	id := fs.String("id", "", "definition ID")
	version := fs.Int("version", 0, "definition version (0 = latest)")
	input := fs.String("input", "", "trigger input as inline JSON")
	inputFile := fs.String("input-file", "", "trigger input JSON file")
	initiator := fs.String("initiator", "", "initiator user ID")
	_ = fs.Parse(args)
	if *id == "" {
		fs.Usage()
		return 2
	}

	trigger, err := parseInput(*input, *inputFile)
	if err != nil {
		return fail(err)
	}

	ctx := context.Background()
	s, err := openStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	defer s.Close()

	eng, err := openEngine(s, cfg, logger)
	if err != nil {
		return fail(err)
	}

	res, err := eng.Start(ctx, *id, *version, engine.StartOptions{
		TriggerInput: trigger,
		InitiatorID:  *initiator,
	})
	if err != nil {
		return fail(err)
	}

	printJSON(res)
	if res.Status == schema.ExecutionFailed || res.Status == schema.ExecutionTimedOut {
		return 1
	}
	return 0
}

func cmdResume(args []string, cfg Config, logger *slog.Logger) int {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	execID := fs.String("execution", "", "execution ID")
	nodeID := fs.String("node", "", "suspended node ID")
	decision := fs.String("decision", "", "decision as inline JSON")
	decisionFile := fs.String("decision-file", "", "decision JSON file")
	_ = fs.Parse(args)
	if *execID == "" || *nodeID == "" {
		fs.Usage()
		return 2
	}

	dec, err := parseInput(*decision, *decisionFile)
	if err != nil {
		return fail(err)
	}

	ctx := context.Background()
	s, err := openStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	defer s.Close()

	eng, err := openEngine(s, cfg, logger)
	if err != nil {
		return fail(err)
	}

	res, err := eng.Resume(ctx, *execID, *nodeID, dec)
	if err != nil {
		return fail(err)
	}

	printJSON(res)
	return 0
}

func cmdCancel(args []string, cfg Config, logger *slog.Logger) int {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	execID := fs.String("execution", "", "execution ID")
	reason := fs.String("reason", "", "cancellation reason")
	_ = fs.Parse(args)
	if *execID == "" {
		fs.Usage()
		return 2
	}

	ctx := context.Background()
	s, err := openStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	defer s.Close()

	eng, err := openEngine(s, cfg, logger)
	if err != nil {
		return fail(err)
	}

	if err := eng.Cancel(ctx, *execID, *reason); err != nil {
		return fail(err)
	}
	logger.Info("execution cancelled", "execution_id", *execID)
	return 0
}

func cmdStatus(args []string, cfg Config, logger *slog.Logger) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	execID := fs.String("execution", "", "execution ID")
	_ = fs.Parse(args)
	if *execID == "" {
		fs.Usage()
		return 2
	}

	ctx := context.Background()
	s, err := openStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	defer s.Close()

	eng, err := openEngine(s, cfg, logger)
	if err != nil {
		return fail(err)
	}

	snap, err := eng.Status(ctx, *execID)
	if err != nil {
		return fail(err)
	}

	printJSON(snap)
	return 0
}

func cmdServe(args []string, cfg Config, logger *slog.Logger) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	_ = fs.Parse(args)

	interval, err := time.ParseDuration(cfg.TickInterval)
	if err != nil {
		return fail(fmt.Errorf("invalid tick_interval %q: %w", cfg.TickInterval, err))
	}

	ctx := context.Background()
	s, err := openStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	defer s.Close()

	eng, err := openEngine(s, cfg, logger)
	if err != nil {
		return fail(err)
	}

	sched := scheduler.NewScheduler(s, eng, interval, logger)
	if err := sched.Start(ctx); err != nil {
		return fail(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := sched.Stop(); err != nil {
		return fail(err)
	}
	return 0
}

func parseInput(inline, file string) (map[string]any, error) {
	var data []byte
	switch {
	case inline != "":
		data = []byte(inline)
	case file != "":
		var err error
		data, err = os.ReadFile(file)
		if err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse input JSON: %w", err)
	}
	return m, nil
}
