// OpenAerie — VPN fleet control plane & node agent.
// Author: vesaa | License: MIT | https://github.com/vesaa/openaerie
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/vesaa/openaerie/internal/agent"
	"github.com/vesaa/openaerie/internal/config"
	"github.com/vesaa/openaerie/internal/devices"
	"github.com/vesaa/openaerie/internal/events"
	"github.com/vesaa/openaerie/internal/reconcile"
	"github.com/vesaa/openaerie/internal/server"
	"github.com/vesaa/openaerie/internal/store"
	"github.com/vesaa/openaerie/internal/traffic"
)

const asciiLogo = `
  ██████╗ ██████╗ ███████╗███╗   ██╗ █████╗ ███████╗██████╗ ██╗███████╗
 ██╔═══██╗██╔══██╗██╔════╝████╗  ██║██╔══██╗██╔════╝██╔══██╗██║██╔════╝
 ██║   ██║██████╔╝█████╗  ██╔██╗ ██║███████║█████╗  ██████╔╝██║█████╗
 ██║   ██║██╔═══╝ ██╔══╝  ██║╚██╗██║██╔══██║██╔══╝  ██╔══██╗██║██╔══╝
 ╚██████╔╝██║     ███████╗██║ ╚████║██║  ██║███████╗██║  ██║██║███████╗
  ╚═════╝ ╚═╝     ╚══════╝╚═╝  ╚═══╝╚═╝  ╚═╝╚══════╝╚═╝  ╚═╝╚═╝╚══════╝
`

const version = "v0.1.0"

func printBanner(mode string) {
	fmt.Print(asciiLogo, "\n")
	fmt.Printf("  ► OpenAerie %s  |  Author: vesaa  |  Mode: %s\n\n", version, mode)
}

func main() {
	root := &cobra.Command{
		Use:   "openaerie",
		Short: "OpenAerie — VPN fleet control plane & node agent",
		Long: `OpenAerie is a single-binary control plane for a VPN/proxy fleet:
it provisions servers and edge nodes, distributes revisioned desired
configuration to agents, and enforces per-user traffic and device limits.`,
		SilenceUsage: true,
	}

	// ── server subcommand ─────────────────────────────────────────────────────
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the OpenAerie control plane (dual-port: admin API + agent data plane)",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("SERVER")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			st, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("initializing database: %w", err)
			}

			sink := events.NewSink(st.DB, time.Duration(cfg.WebhookTimeoutSeconds)*time.Second)
			controller := reconcile.NewController(st.DB, sink)
			registry := devices.NewRegistry(st.DB)
			accountant := traffic.NewAccountant(st.DB, registry, sink)
			srv := server.New(cfg, st.DB, controller, registry, accountant, sink)

			gin.SetMode(gin.ReleaseMode)
			corsMiddleware := func(c *gin.Context) {
				c.Header("Access-Control-Allow-Origin", "*")
				c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
				c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				if c.Request.Method == "OPTIONS" {
					c.AbortWithStatus(204)
					return
				}
				c.Next()
			}

			// ── Control-plane engine (admin API) ───────────────────────────────
			ctrlEngine := gin.New()
			ctrlEngine.Use(gin.Recovery(), corsMiddleware)
			srv.RegisterControlRoutes(ctrlEngine)

			// ── Data-plane engine (node agents) ────────────────────────────────
			dataEngine := gin.New()
			dataEngine.Use(gin.Recovery())
			srv.RegisterDataRoutes(dataEngine)

			ctrlAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ControlPort)
			dataAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.DataPort)

			fmt.Printf("  ✓ Control plane (JWT admin API)  → http://%s\n", ctrlAddr)
			fmt.Printf("  ✓ Data    plane (node agents)    → http://%s\n", dataAddr)
			fmt.Printf("  ✓ Admin login: %s\n\n", cfg.AdminUser)

			// Run both servers concurrently; shut down gracefully on SIGINT.
			ctrlSrv := &http.Server{Addr: ctrlAddr, Handler: ctrlEngine}
			dataSrv := &http.Server{Addr: dataAddr, Handler: dataEngine}

			errCh := make(chan error, 2)
			go func() { errCh <- ctrlSrv.ListenAndServe() }()
			go func() { errCh <- dataSrv.ListenAndServe() }()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt) // os.Interrupt = SIGINT; works on all platforms

			select {
			case err := <-errCh:
				return err
			case <-quit:
				fmt.Println("\n  → Shutting down gracefully…")
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = ctrlSrv.Shutdown(ctx)
				_ = dataSrv.Shutdown(ctx)
				return nil
			}
		},
	}

	// ── agent subcommand ──────────────────────────────────────────────────────
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Start the OpenAerie node agent on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("AGENT")

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			// CLI flags override config values.
			if join, _ := cmd.Flags().GetString("join"); join != "" {
				if !containsPort(join) {
					join = fmt.Sprintf("%s:%d", join, cfg.DataPort)
				}
				cfg.AgentJoinAddr = join
			}
			if token, _ := cmd.Flags().GetString("token"); token != "" {
				cfg.AgentNodeToken = token
			}
			if interval, _ := cmd.Flags().GetInt("interval"); interval != 0 {
				cfg.AgentInterval = interval
			}

			fmt.Printf("  ✓ Joining server:  %s\n", cfg.AgentJoinAddr)
			fmt.Printf("  ✓ Poll interval:   %ds\n\n", cfg.AgentInterval)
			return agent.Run(cfg)
		},
	}
	agentCmd.Flags().String("join", "", "Data-plane address, e.g. 192.168.1.1 or 192.168.1.1:1700")
	agentCmd.Flags().String("token", "", "Node token issued at node creation (overrides config)")
	agentCmd.Flags().Int("interval", 0, "Poll interval in seconds (overrides config)")

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print OpenAerie version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("OpenAerie %s  |  Author: vesaa\n", version)
		},
	}

	root.AddCommand(serverCmd, agentCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// containsPort checks whether addr already has a port suffix.
func containsPort(addr string) bool {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return true
		}
		if addr[i] == '/' {
			break
		}
	}
	return false
}
