// Command agentium runs the governed agent collective: a tiered
// hierarchy of executors and critics under a versioned constitution.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"agentium/internal/adapter"
	"agentium/internal/amendment"
	"agentium/internal/config"
	"agentium/internal/constitution"
	"agentium/internal/critic"
	"agentium/internal/identity"
	"agentium/internal/lifecycle"
	"agentium/internal/logging"
	"agentium/internal/notify"
	"agentium/internal/pipeline"
	"agentium/internal/provider"
	"agentium/internal/server"
	"agentium/internal/store"
	"agentium/internal/types"
)

var workspace string

var rootCmd = &cobra.Command{
	Use:   "agentium",
	Short: "Agentium - constitutional multi-agent orchestrator",
	Long: `Agentium runs a governed collective of AI agents: a HEAD singleton,
COUNCIL governors, LEAD coordinators and TASK executors, audited by
independent critics and bound by a versioned, amendable constitution.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			workspace = "."
		}
		abs, err := filepath.Abs(workspace)
		if err != nil {
			return fmt.Errorf("failed to resolve workspace: %w", err)
		}
		workspace = abs
		return logging.Initialize(workspace)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap the workspace: config, database, constitution, founding agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(workspace)
		if err != nil {
			return err
		}
		if err := cfg.Save(workspace); err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		consts := constitution.NewService(st)
		if _, err := st.LoadActiveConstitution(); err == nil {
			fmt.Println("workspace already initialized")
			return nil
		}
		active, err := consts.Bootstrap(foundingPreamble, nil)
		if err != nil {
			return fmt.Errorf("failed to bootstrap constitution: %w", err)
		}

		ethos := constitution.NewEthosService(st)
		reg := identity.NewRegistry(st)
		lm := lifecycle.NewManager(st, reg, ethos, consts)

		head, err := foundHead(st, ethos, active.Version)
		if err != nil {
			return err
		}
		founders := []struct {
			tier    types.Tier
			name    string
			mission string
		}{
			{types.TierCouncil, "council-1", "govern the collective and rule on escalations"},
			{types.TierCriticCode, "critic-code", "review code outputs"},
			{types.TierCriticOutput, "critic-output", "review task outputs"},
			{types.TierCriticPlan, "critic-plan", "review plans before execution"},
		}
		var council *types.Agent
		for _, f := range founders {
			a, err := lm.Spawn(head, f.tier, f.name, f.mission, nil)
			if err != nil {
				return fmt.Errorf("failed to spawn %s: %w", f.name, err)
			}
			if f.tier == types.TierCouncil {
				council = a
			}
		}
		if _, err := lm.Spawn(council, types.TierLead, "lead-1", "coordinate task execution", nil); err != nil {
			return fmt.Errorf("failed to spawn lead-1: %w", err)
		}

		fmt.Printf("initialized agentium workspace at %s (constitution %s)\n", workspace, active.Version)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the principal API and the background governance loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(workspace)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		consts := constitution.NewService(st)
		if _, err := consts.LoadActive(); err != nil {
			return fmt.Errorf("workspace not initialized, run 'agentium init' first: %w", err)
		}
		ethos := constitution.NewEthosService(st)
		reg := identity.NewRegistry(st)
		lm := lifecycle.NewManager(st, reg, ethos, consts)

		broadcaster := notify.NewBroadcaster(st, cfg.Notify)

		enc, err := provider.NewEncryptor(cfg.Providers.EncryptionKey)
		if err != nil {
			return fmt.Errorf("provider encryption key: %w", err)
		}
		keys := provider.NewManager(st, enc, cfg.Providers, broadcaster)
		gen := adapter.New(keys, cfg.Providers)

		critics := critic.NewEngine(st, gen, cfg.Critic)
		pl := pipeline.New(st, lm, ethos, consts, critics, gen, cfg.Pipeline, broadcaster)
		am := amendment.NewMachine(st, reg, consts, cfg.Amendment, broadcaster)

		hub := server.NewHub()
		api, err := server.New(cfg, st, pl, am, lm, keys, gen, hub)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go hub.Run(ctx, keys.Subscribe(), broadcaster.Subscribe())

		sched := cron.New()
		if _, err := sched.AddFunc("@every 1m", func() {
			keys.RecoverCooldowns()
			if err := am.Tick(); err != nil {
				logging.Get(logging.CategoryAmendment).Error("amendment tick failed: %v", err)
			}
		}); err != nil {
			return err
		}
		if _, err := sched.AddFunc("@every 30s", func() {
			if err := pl.RunPending(ctx); err != nil {
				logging.Get(logging.CategoryPipeline).Error("pending run failed: %v", err)
			}
		}); err != nil {
			return err
		}
		if _, err := sched.AddFunc("@monthly", keys.ResetMonthlySpend); err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()

		return api.ListenAndServe(ctx)
	},
}

var capacityCmd = &cobra.Command{
	Use:   "capacity",
	Short: "Show per-tier identity pool usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(workspace)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		reg := identity.NewRegistry(st)
		caps, err := reg.Capacity()
		if err != nil {
			return err
		}
		fmt.Printf("%-14s %8s %8s %8s\n", "TIER", "USED", "FREE", "TOTAL")
		for _, c := range caps {
			flag := ""
			if c.Critical {
				flag = "  CRITICAL"
			} else if c.Warning {
				flag = "  WARNING"
			}
			fmt.Printf("%-14s %8d %8d %8d%s\n", c.Tier, c.Used, c.Free, c.Total, flag)
		}
		return nil
	},
}

const foundingPreamble = `This collective exists to serve its sovereign faithfully, to govern
itself through deliberation and consent, and to bind every agent, from
the HEAD to the newest TASK worker, to the same auditable law.`

func openStore(cfg *config.Config) (*store.Store, error) {
	dir := cfg.DataDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(workspace, dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return store.Open(filepath.Join(dir, "agentium.db"))
}

// foundHead creates the HEAD singleton directly: nothing outranks it,
// so it cannot be spawned through the lifecycle manager.
func foundHead(st *store.Store, ethos *constitution.EthosService, version string) (*types.Agent, error) {
	e, err := ethos.CreateDefault(types.HeadTierID, types.TierHead, "head",
		"embody the sovereign's will and anchor the hierarchy")
	if err != nil {
		return nil, err
	}
	head := &types.Agent{
		TierID:              types.HeadTierID,
		Tier:                types.TierHead,
		Name:                "head",
		Status:              types.AgentActive,
		EthosID:             e.ID,
		IsPersistent:        true,
		IncarnationNumber:   1,
		ConstitutionVersion: version,
		Granted:             types.NewCapabilitySet(),
		Revoked:             types.NewCapabilitySet(),
	}
	if err := st.CreateAgent(head); err != nil {
		return nil, fmt.Errorf("failed to create HEAD: %w", err)
	}
	st.Audit("boot", "system", "system", "head_founded", "agent", head.TierID, "collective founded")
	return head, nil
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: current)")
	rootCmd.AddCommand(initCmd, serveCmd, capacityCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
