// Package main is the Subspace Coordinator daemon and operator CLI: it
// starts the Sandbox Host, spawns/terminates cybers, runs the Template
// Syncer, and tails the event bus.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mindswarm/subspace/internal/bus"
	"github.com/mindswarm/subspace/internal/config"
	"github.com/mindswarm/subspace/internal/control"
	"github.com/mindswarm/subspace/internal/logging"
	"github.com/mindswarm/subspace/internal/messaging"
	"github.com/mindswarm/subspace/internal/sandbox"
	"github.com/mindswarm/subspace/internal/workspace"
)

var (
	cfgPath string
	verbose bool
	log     *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "subspace",
		Short: "Subspace Coordinator — host, spawn, and route for the Mind-Swarm cyber collective",
		PersistentPreRunE: initLogging,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.subspace/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		spawnCmd(),
		terminateCmd(),
		syncCmd(),
		eventsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initLogging(cmd *cobra.Command, args []string) error {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logging.Configure(os.Stderr, level, true)
	log = logging.New("subspace.cli")
	return nil
}

func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.LoadFromPath(cfgPath)
	}
	return config.Load()
}

// controlSocketPath returns the Unix domain socket the daemon's Host
// listens on for spawn/terminate calls from separate CLI invocations.
func controlSocketPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, ".subspace-control.sock")
}

// serveCmd runs the coordinator daemon: it owns the one long-lived
// *sandbox.Host for this workspace, exposes it over the control socket
// so spawn/terminate subcommands can reach it, and keeps the event bus
// observer and outbox router running until SIGINT/SIGTERM.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Subspace Coordinator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("ensure directories: %w", err)
			}

			eventBus := bus.New(1024)
			observer := bus.NewObserver(eventBus, bus.DefaultObserverConfig())
			if err := observer.Start(); err != nil {
				return fmt.Errorf("start observer: %w", err)
			}
			defer observer.Stop()

			host := sandbox.NewHost(cfg.Host.MaxCybers, eventBus)

			socketPath := controlSocketPath(cfg.Host.WorkspaceRoot)
			controlSrv := control.NewServer(host)
			ln, err := controlSrv.Listen(socketPath)
			if err != nil {
				return fmt.Errorf("start control socket: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go controlSrv.Serve(ctx, ln)
			log.Info(fmt.Sprintf("Subspace Coordinator listening (max_cybers=%d, control_socket=%s)", cfg.Host.MaxCybers, socketPath))

			root := workspace.NewRoot(cfg.Host.WorkspaceRoot)
			router := messaging.NewRouter(root, func(name string) bool {
				_, err := os.Stat(root.CyberRoot(name).Path)
				return err == nil
			})

			routeTicker := time.NewTicker(cfg.Sandbox.PollInterval)
			defer routeTicker.Stop()
			go runRouterLoop(ctx, root, router, routeTicker, log)

			<-ctx.Done()

			log.Info("shutting down")
			os.Remove(socketPath)
			return nil
		},
	}
}

// runRouterLoop sweeps every cyber's outbox on each tick until ctx is
// cancelled, delivering queued messages to their recipients' inboxes.
func runRouterLoop(ctx context.Context, root *workspace.Root, router *messaging.Router, ticker *time.Ticker, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			names, err := root.ListCyberNames()
			if err != nil {
				log.Error(err, "list cybers for routing")
				continue
			}
			for _, name := range names {
				if err := router.RouteOnce(name); err != nil {
					log.Error(err, fmt.Sprintf("route outbox for %s", name))
				}
			}
		}
	}
}

func spawnCmd() *cobra.Command {
	var kind string
	var cpuQuota int
	var memoryMB int

	cmd := &cobra.Command{
		Use:   "spawn [name]",
		Short: "Spawn a cyber process against the running coordinator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			root := workspace.NewRoot(cfg.Host.WorkspaceRoot)
			cyberWS := root.CyberRoot(name)
			for _, dir := range cyberWS.AllDirs() {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create workspace dir %s: %w", dir, err)
				}
			}

			client := control.NewClient(controlSocketPath(cfg.Host.WorkspaceRoot))
			status, err := client.Spawn(sandbox.CyberSpec{
				Name:            name,
				Kind:            sandbox.CyberKind(kind),
				WorkspaceDir:    cyberWS.Path,
				CyberBinary:     cyberBinaryPath(),
				CPUQuotaPercent: cpuQuota,
				MemoryLimitMB:   memoryMB,
			})
			if err != nil {
				return fmt.Errorf("spawn %s: %w", name, err)
			}

			fmt.Printf("spawned %s pid=%d state=%s\n", name, status.PID, status.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "general", "cyber kind: general | io_gateway")
	cmd.Flags().IntVar(&cpuQuota, "cpu-quota", 50, "CPU quota percent")
	cmd.Flags().IntVar(&memoryMB, "memory-mb", 512, "memory limit in MB")
	return cmd
}

func terminateCmd() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "terminate [name]",
		Short: "Terminate a cyber process running under the coordinator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			client := control.NewClient(controlSocketPath(cfg.Host.WorkspaceRoot))
			if err := client.Terminate(name, grace); err != nil {
				return fmt.Errorf("terminate %s: %w", name, err)
			}
			fmt.Printf("terminated %s\n", name)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 5*time.Second, "grace period before SIGKILL")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [cyber-name]",
		Short: "Run the Template Syncer against a cyber's code/ directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			root := workspace.NewRoot(cfg.Host.WorkspaceRoot)
			cyberWS := root.CyberRoot(name)

			historyPath := filepath.Join(cfg.Host.WorkspaceRoot, ".sync-history.db")
			syncer, err := workspace.NewSyncer(historyPath, workspace.DefaultOwnershipTable)
			if err != nil {
				return fmt.Errorf("open syncer: %w", err)
			}
			defer syncer.Close()

			result, err := syncer.Sync(context.Background(), cfg.Host.TemplateDir, cyberWS.Code())
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			fmt.Printf("overwritten=%d skipped=%d conflicts=%d\n", result.Overwritten, result.Skipped, len(result.Conflicts))
			return nil
		},
	}
}

// eventsCmd dials the running coordinator's Observer WebSocket endpoint
// and prints each event envelope as it arrives, until interrupted.
func eventsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the event bus's live WebSocket stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := addr + bus.WebSocketEndpoint
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				return fmt.Errorf("dial %s: %w (is 'subspace serve' running?)", url, err)
			}
			defer conn.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go func() {
				<-ctx.Done()
				conn.Close()
			}()

			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("read event: %w", err)
				}
				var event bus.Event
				if err := json.Unmarshal(data, &event); err != nil {
					fmt.Println(string(data))
					continue
				}
				fmt.Printf("[%s] %s %v\n", event.Timestamp.Format(time.RFC3339), event.Type, event.Data)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "ws://127.0.0.1:8765", "observer WebSocket address")
	return cmd
}

func cyberBinaryPath() string {
	if p := os.Getenv("SUBSPACE_CYBER_BINARY"); p != "" {
		return p
	}
	exe, err := os.Executable()
	if err != nil {
		return "cyber"
	}
	return exe + "-cyber"
}
