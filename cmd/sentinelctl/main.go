package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelrun/sentinel/internal/audit"
	"github.com/kestrelrun/sentinel/internal/cloudbreaker"
	"github.com/kestrelrun/sentinel/internal/cloudclient"
	"github.com/kestrelrun/sentinel/internal/codes"
	"github.com/kestrelrun/sentinel/internal/config"
	"github.com/kestrelrun/sentinel/internal/dreamcycle"
	"github.com/kestrelrun/sentinel/internal/health"
	"github.com/kestrelrun/sentinel/internal/kvstore"
	"github.com/kestrelrun/sentinel/internal/localmodel"
	"github.com/kestrelrun/sentinel/internal/lockdown"
	"github.com/kestrelrun/sentinel/internal/metrics"
	"github.com/kestrelrun/sentinel/internal/skills"
	"github.com/kestrelrun/sentinel/internal/vectorstore"
	"github.com/kestrelrun/sentinel/internal/vram"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "sentinelctl",
		Short: "sentinelctl - operator CLI for the single-node assistant runtime",
		Long:  "Administers skill quarantine, security lockdown, the dream cycle, and system health for the assistant process.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, defaults applied otherwise)")

	rootCmd.AddCommand(
		skillCmd(),
		lockdownCmd(),
		dreamCycleCmd(),
		statusCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func openAudit(cfg *config.Config) (*audit.Log, error) {
	return audit.Open(cfg.Audit.Path)
}

func openKV(cfg *config.Config) (*kvstore.Store, error) {
	return kvstore.New(cfg.KV.Addr, cfg.KV.Password, cfg.KV.DB)
}

func openSkillsRegistry(cfg *config.Config, log *audit.Log) *skills.Registry {
	issuer := codes.New(cfg.Codes.TTL)
	return skills.New(skills.Config{
		RootDir:           cfg.Skills.RootDir,
		MaxCodeSizeBytes:  cfg.Skills.MaxCodeSizeBytes,
		CleanRunsRequired: cfg.Skills.CleanRunsRequired,
		SandboxTimeout:    cfg.Skills.SandboxTimeout,
		SandboxKillGrace:  cfg.Skills.SandboxKillGrace,
		StdoutHeadBytes:   cfg.Skills.StdoutHeadBytes,
		StderrHeadBytes:   cfg.Skills.StderrHeadBytes,
	}, issuer, log)
}

// ─── Skill Quarantine Management ────────────────────────────────────────────

func skillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skill",
		Short: "Manage the skill quarantine registry",
	}

	cmd.AddCommand(
		skillSubmitCmd(),
		skillTestCmd(),
		skillPromoteCmd(),
		skillRejectCmd(),
		skillDeprecateCmd(),
		skillGetCmd(),
	)
	return cmd
}

func skillSubmitCmd() *cobra.Command {
	var (
		version  string
		language string
		origin   string
		codePath string
	)

	cmd := &cobra.Command{
		Use:   "submit <skill-id>",
		Short: "Submit a new skill into quarantine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := openAudit(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			code, err := os.ReadFile(codePath)
			if err != nil {
				return fmt.Errorf("read code file: %w", err)
			}

			registry := openSkillsRegistry(cfg, log)
			meta, err := registry.Submit(args[0], version, skills.Language(language), skills.Source{Type: "manual", Origin: origin}, code)
			if err != nil {
				return err
			}

			fmt.Printf("Skill submitted:\n")
			fmt.Printf("  ID:      %s\n", meta.SkillID)
			fmt.Printf("  Version: %s\n", meta.Version)
			fmt.Printf("  State:   %s\n", meta.QuarantineState)
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "0.1.0", "Skill version")
	cmd.Flags().StringVar(&language, "language", "python", "Skill language (python, javascript, typescript)")
	cmd.Flags().StringVar(&origin, "origin", "operator", "Free-form origin label")
	cmd.Flags().StringVar(&codePath, "code", "", "Path to the skill's source file")
	cmd.MarkFlagRequired("code")
	return cmd
}

func skillTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test <skill-id>",
		Short: "Run one sandboxed execution test against a quarantined skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := openAudit(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			registry := openSkillsRegistry(cfg, log)
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Skills.SandboxTimeout+cfg.Skills.SandboxKillGrace+5*time.Second)
			defer cancel()

			meta, err := registry.RunTest(ctx, args[0])
			if err != nil {
				return err
			}

			last := meta.ExecutionTests[len(meta.ExecutionTests)-1]
			fmt.Printf("Test %s: %s (exit %d, %dms)\n", last.TestID, last.Status, last.ExitCode, last.DurationMs)
			fmt.Printf("State: %s\n", meta.QuarantineState)
			return nil
		},
	}
	return cmd
}

func skillPromoteCmd() *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "promote <skill-id>",
		Short: "Promote a skill into active use with its human-confirmation code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := openAudit(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			registry := openSkillsRegistry(cfg, log)
			if code == "" {
				promotionCode, err := registry.RequestPromotion(args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Confirmation code issued: %s\n", promotionCode)
				fmt.Println("Re-run with --code <code> within the TTL window to confirm promotion.")
				return nil
			}

			meta, err := registry.Promote(args[0], code)
			if err != nil {
				return err
			}
			fmt.Printf("Skill '%s' promoted to active (state=%s)\n", meta.SkillID, meta.QuarantineState)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "Human-confirmation code; omit to request a new one")
	return cmd
}

func skillRejectCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <skill-id>",
		Short: "Reject a quarantined skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := openAudit(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			registry := openSkillsRegistry(cfg, log)
			if _, err := registry.Reject(args[0], reason); err != nil {
				return err
			}
			fmt.Printf("Skill '%s' rejected\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Rejection reason")
	return cmd
}

func skillDeprecateCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "deprecate <skill-id>",
		Short: "Deprecate a previously-promoted skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := openAudit(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			registry := openSkillsRegistry(cfg, log)
			if _, err := registry.Deprecate(args[0], reason); err != nil {
				return err
			}
			fmt.Printf("Skill '%s' deprecated\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator deprecation", "Deprecation reason")
	return cmd
}

func skillGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <skill-id>",
		Short: "Show a skill's current metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := openAudit(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			registry := openSkillsRegistry(cfg, log)
			meta, err := registry.Get(args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "ID:\t%s\n", meta.SkillID)
			fmt.Fprintf(w, "Version:\t%s\n", meta.Version)
			fmt.Fprintf(w, "Language:\t%s\n", meta.Language)
			fmt.Fprintf(w, "State:\t%s\n", meta.QuarantineState)
			fmt.Fprintf(w, "Strikes:\t%d\n", meta.StrikeCount)
			fmt.Fprintf(w, "Created:\t%s\n", meta.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "Updated:\t%s\n", meta.UpdatedAt.Format(time.RFC3339))
			cleanRuns := 0
			for _, t := range meta.ExecutionTests {
				if t.Status == "passed" {
					cleanRuns++
				}
			}
			fmt.Fprintf(w, "Clean runs:\t%d\n", cleanRuns)
			w.Flush()
			return nil
		},
	}
	return cmd
}

// ─── Security Lockdown ───────────────────────────────────────────────────────

func lockdownCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lockdown",
		Short: "Manage the global security lockdown",
	}
	cmd.AddCommand(lockdownPanicCmd(), lockdownUnlockCmd(), lockdownStatusCmd())
	return cmd
}

func openLockdownGate(cfg *config.Config, kv *kvstore.Store, log *audit.Log) *lockdown.Gate {
	issuer := codes.New(cfg.Codes.TTL)
	return lockdown.New(kv, issuer, log)
}

func lockdownPanicCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "panic",
		Short: "Manually trigger a security lockdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kv, err := openKV(cfg)
			if err != nil {
				return err
			}
			defer kv.Close()
			log, err := openAudit(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			gate := openLockdownGate(cfg, kv, log)
			code, err := gate.Activate(context.Background(), reason, audit.SeverityCritical)
			if err != nil {
				return err
			}
			fmt.Printf("Lockdown activated. Unlock code: %s\n", code)
			fmt.Println("Store this code securely; it will not be shown again.")
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual operator panic", "Reason recorded in the audit log")
	return cmd
}

func lockdownUnlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock <code>",
		Short: "Clear an active lockdown with its unlock code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kv, err := openKV(cfg)
			if err != nil {
				return err
			}
			defer kv.Close()
			log, err := openAudit(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			gate := openLockdownGate(cfg, kv, log)
			ok, err := gate.Unlock(context.Background(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("unlock code rejected or no lockdown active")
			}
			fmt.Println("Lockdown cleared.")
			return nil
		},
	}
	return cmd
}

func lockdownStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether lockdown is currently active",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kv, err := openKV(cfg)
			if err != nil {
				return err
			}
			defer kv.Close()
			log, err := openAudit(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			gate := openLockdownGate(cfg, kv, log)
			active, err := gate.Active(context.Background())
			if err != nil {
				return err
			}
			if active {
				fmt.Println("Lockdown: ACTIVE")
			} else {
				fmt.Println("Lockdown: inactive")
			}
			return nil
		},
	}
	return cmd
}

// ─── Dream Cycle ─────────────────────────────────────────────────────────────

func dreamCycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dream-cycle",
		Short: "Manage the scheduled maintenance worker",
	}
	cmd.AddCommand(dreamCycleTriggerCmd())
	return cmd
}

func dreamCycleTriggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger-now",
		Short: "Run the dream cycle immediately, outside its cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kv, err := openKV(cfg)
			if err != nil {
				return err
			}
			defer kv.Close()
			log, err := openAudit(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.DreamCycle.HardCap+30*time.Second)
			defer cancel()

			vectors, err := vectorstore.New(ctx, cfg.Vector.DSN)
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: vector store unreachable, memory pruning will be skipped: %v\n", err)
			} else {
				defer vectors.Close()
			}

			worker := dreamcycle.New(dreamcycle.Config{
				HardCap:          cfg.DreamCycle.HardCap,
				MemoryPruneAge:   cfg.DreamCycle.MemoryPruneAge,
				PruneBatchSize:   cfg.DreamCycle.MemoryPruneBatchSize,
				LogGzipThreshold: cfg.DreamCycle.LogGzipThresholdMB << 20,
				LogDir:           cfg.DreamCycle.LogsDir,
				HealthReportTTL:  cfg.DreamCycle.HealthReportTTL,
			}, kv, vectors, log)

			start := time.Now()
			if err := worker.TriggerNow(ctx); err != nil {
				return err
			}
			fmt.Printf("Dream cycle completed in %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	return cmd
}

// ─── Status ──────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report a point-in-time system health snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kv, err := openKV(cfg)
			if err != nil {
				return err
			}
			defer kv.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			vectors, err := vectorstore.New(ctx, cfg.Vector.DSN)
			if err == nil {
				defer vectors.Close()
			}

			local := localmodel.New(localmodel.Config{
				BaseURL:      cfg.LocalModel.BaseURL,
				ProbeTimeout: cfg.LocalModel.ProbeTimeout,
			}, map[vram.ModelType]string{
				vram.ModelCoder: cfg.VRAM.CoderModel,
				vram.ModelVL:    cfg.VRAM.VLModel,
			})

			breaker := cloudbreaker.New(cloudbreaker.Config{
				ConsecutiveThreshold: cfg.Cloud.FailureThreshold,
				OpenCooldown:         cfg.Cloud.OpenCooldown,
			})
			cloud := cloudclient.New(cloudclient.Config{
				APIKey:           cfg.Cloud.APIKey,
				BaseURL:          cfg.Cloud.BaseURL,
				PrimaryModel:     cfg.Cloud.PrimaryModel,
				FallbackModel:    cfg.Cloud.FallbackModel,
				DailyTokenBudget: cfg.Cloud.DailyTokenBudget,
				CallTimeout:      cfg.Cloud.CallTimeout,
			}, breaker)

			collector := health.New(kv, vectors, local, breaker, cloud)
			report, err := collector.Collect(ctx)
			if err != nil {
				return err
			}

			metrics.SetBreakerState(report.BreakerState)
			metrics.SetTokensUsedToday(report.TokensUsedToday)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Collected at:\t%s\n", report.CollectedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "Goroutines:\t%d\n", report.GoroutineCount)
			fmt.Fprintf(w, "Heap alloc:\t%d bytes\n", report.HeapAllocBytes)
			fmt.Fprintf(w, "Load average (1m):\t%.2f\n", report.LoadAverage1m)
			fmt.Fprintf(w, "KV reachable:\t%v\n", report.KVReachable)
			fmt.Fprintf(w, "Vector store reachable:\t%v\n", report.VectorReachable)
			fmt.Fprintf(w, "Local model available:\t%v\n", report.LocalAvailable)
			fmt.Fprintf(w, "Cloud breaker state:\t%s\n", report.BreakerState)
			fmt.Fprintf(w, "Cloud tokens used today:\t%d\n", report.TokensUsedToday)
			w.Flush()
			return nil
		},
	}
	return cmd
}
