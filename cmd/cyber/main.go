// Package main is the per-cyber process entrypoint: given a workspace
// directory by the Sandbox Host, it wires up the Cognitive Loop and
// its collaborators and runs cycles until terminated.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindswarm/subspace/internal/action"
	"github.com/mindswarm/subspace/internal/bodyfile"
	"github.com/mindswarm/subspace/internal/brain"
	"github.com/mindswarm/subspace/internal/cognitive"
	"github.com/mindswarm/subspace/internal/config"
	"github.com/mindswarm/subspace/internal/logging"
	"github.com/mindswarm/subspace/internal/memory"
	"github.com/mindswarm/subspace/internal/perception"
	"github.com/mindswarm/subspace/internal/sandbox"
	"github.com/mindswarm/subspace/internal/tasks"
	"github.com/mindswarm/subspace/internal/workspace"
	"github.com/mindswarm/subspace/pkg/types"
)

// actionsCatalog is the fixed set of action names the Decision stage
// may choose from, matching the built-ins RegisterBuiltins wires plus
// the scripted action.
var actionsCatalog = []string{
	"memory_read", "memory_write", "memory_search",
	"send_message", "task_claim", "task_complete",
	"wait", "think", "script",
}

func main() {
	workspaceDir := flag.String("workspace", "", "cyber workspace directory, assigned by the Sandbox Host")
	flag.Parse()

	if *workspaceDir == "" {
		fmt.Fprintln(os.Stderr, "cyber: -workspace is required")
		os.Exit(1)
	}
	name := os.Getenv("SUBSPACE_CYBER_NAME")
	kind := os.Getenv("SUBSPACE_CYBER_KIND")
	if name == "" {
		fmt.Fprintln(os.Stderr, "cyber: SUBSPACE_CYBER_NAME must be set by the Sandbox Host")
		os.Exit(1)
	}

	logging.Configure(os.Stderr, zerolog.InfoLevel, false)
	log := logging.New("cyber").WithField("cyber", name)

	root := workspace.NewRoot(filepath.Dir(filepath.Dir(*workspaceDir)))
	cyber := root.CyberRoot(name)

	cfg, err := config.Load()
	if err != nil {
		log.Error(err, "load config, using defaults")
		cfg = config.Default()
	}

	if err := run(context.Background(), root, cyber, kind, cfg, log); err != nil {
		log.Error(err, "cyber exited with error")
		os.Exit(1)
	}
}

func run(parent context.Context, root *workspace.Root, cyber *workspace.CyberWorkspace, kind string, cfg *config.Config, log *logging.Logger) error {
	working := memory.NewWorkingMemory()
	if _, err := os.Stat(cyber.MemorySnapshotFile()); err == nil {
		if err := working.LoadSnapshot(cyber.MemorySnapshotFile()); err != nil {
			log.Error(err, "load memory snapshot, starting empty")
		}
	}

	scanner, err := perception.NewScanner(filepath.Join(cyber.Internal(), "perception.db"), []string{
		cyber.Inbox(), cyber.Memory(), root.GridCommunity(), root.GridLibrary(), root.GridWorkshop(),
	})
	if err != nil {
		return fmt.Errorf("cyber: new scanner: %w", err)
	}
	defer scanner.Close()

	selector := memory.NewSelector(memory.WithStrategy(memory.Strategy(cfg.Memory.SelectionStrategy)))
	contentLoader := memory.NewContentLoader(cyber, cfg.Memory.ContentCacheTTL)
	builder := memory.NewContextBuilder(contentLoader)

	brainServer, err := brain.NewServer(unavailableProvider{}, cfg.Brain.SignatureCacheSize)
	if err != nil {
		return fmt.Errorf("cyber: new brain server: %w", err)
	}

	isIOGateway := sandbox.CyberKind(kind) == sandbox.KindIOGateway
	bridge := bodyfile.NewBridge(isIOGateway, brainServer.Handle, userIOUnimplementedHandler)
	defer bridge.Shutdown()

	brainClient := brain.NewClient(bridge.Brain)
	claimer := tasks.NewClaimer(root)
	sendFunc := outboxSendFunc(root, cyber, name)

	scriptRunner := action.NewScriptRunner(working, cyber, sendFunc)
	coordinator := action.NewCoordinator(scriptRunner)
	action.RegisterBuiltins(coordinator, action.Deps{
		Working: working, Workspace: cyber, Claimer: claimer, Brain: brainClient, SendFunc: sendFunc,
	})

	stages := map[cognitive.StageName]cognitive.Stage{
		cognitive.StageObservation: cognitive.NewObservationStage(scanner, working, selector, builder, brainClient),
		cognitive.StageDecision:    cognitive.NewDecisionStage(brainClient, actionsCatalog, recipientExists(root)),
		cognitive.StageExecution:   cognitive.NewExecutionStage(coordinator, working),
		cognitive.StageReflection:  cognitive.NewReflectionStage(brainClient, working, cyber, 24*time.Hour, 200),
	}
	loop, err := cognitive.NewLoop(cyber, stages, nil, cfg.Memory.DefaultTokenBudget)
	if err != nil {
		return fmt.Errorf("cyber: new loop: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := cfg.Sandbox.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info(fmt.Sprintf("cyber %q running (kind=%s)", name, kind))
	for {
		select {
		case <-ctx.Done():
			return finalizeShutdown(working, cyber, log)
		case <-ticker.C:
			if err := loop.RunOnce(ctx); err != nil {
				log.Error(err, "cycle failed")
			}
			if err := working.SaveSnapshot(cyber.MemorySnapshotFile()); err != nil {
				log.Error(err, "save memory snapshot")
			}
			writeStatus(cyber, loop.Cycle())
		}
	}
}

func finalizeShutdown(working *memory.WorkingMemory, cyber *workspace.CyberWorkspace, log *logging.Logger) error {
	if err := working.SaveSnapshot(cyber.MemorySnapshotFile()); err != nil {
		log.Error(err, "save final memory snapshot")
	}
	log.Info("shutting down")
	return nil
}

// writeStatus persists a small JSON status document for operator
// introspection, exercising the StatusJSON path the workspace layout
// already reserves for it.
func writeStatus(cyber *workspace.CyberWorkspace, cycle int) {
	doc := map[string]any{"cycle": cycle, "updated_at": time.Now()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	_ = os.MkdirAll(cyber.StatusDir(), 0o755)
	_ = os.WriteFile(cyber.StatusJSON(), data, 0o644)
}

// unavailableProvider is the default LLMProvider until a concrete
// backend is injected; no concrete provider ships with this package,
// per spec.md §1's Non-goals.
type unavailableProvider struct{}

func (unavailableProvider) Complete(ctx context.Context, prompt string, maxTokens int) (string, types.TokenUsage, error) {
	return "", types.TokenUsage{}, fmt.Errorf("cyber: no LLMProvider configured")
}

func userIOUnimplementedHandler(ctx context.Context, requestID string, payload any) (any, error) {
	return nil, fmt.Errorf("cyber: user_io channel has no handler wired in this build")
}

// outboxSendFunc writes a message envelope into the cyber's own
// outbox via temp-file-then-rename, matching the Message Router's
// delivery discipline in internal/messaging.
func outboxSendFunc(root *workspace.Root, cyber *workspace.CyberWorkspace, from string) func(to, subject, body string) error {
	return func(to, subject, body string) error {
		msg := types.Message{
			Type: types.MessagePlain, From: from, To: to, Subject: subject,
			Timestamp: time.Now(), Body: body,
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cyber.Outbox(), 0o755); err != nil {
			return err
		}
		tmp, err := os.CreateTemp(cyber.Outbox(), ".out-*")
		if err != nil {
			return err
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return err
		}
		dest := filepath.Join(cyber.Outbox(), fmt.Sprintf("%d.msg.json", time.Now().UnixNano()))
		return os.Rename(tmp.Name(), dest)
	}
}

// recipientExists reports whether name has a cyber workspace on disk,
// the only directory of cybers available without a richer
// community-wide registry.
func recipientExists(root *workspace.Root) func(name string) bool {
	return func(name string) bool {
		_, err := os.Stat(root.CyberRoot(name).Path)
		return err == nil
	}
}
