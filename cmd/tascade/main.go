package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"tascade/internal/auth"
	"tascade/internal/config"
	"tascade/internal/core"
	"tascade/internal/logging"
	"tascade/internal/store"
	"tascade/internal/types"
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	engine *core.Engine
)

// cliCaller is the principal used by local CLI commands. The CLI operates
// the store directly, so it carries the bootstrap admin.
func cliCaller() core.Caller {
	return core.Caller{Principal: auth.AdminPrincipal()}
}

var rootCmd = &cobra.Command{
	Use:   "tascade",
	Short: "Tascade - task orchestration substrate for distributed agents",
	Long: `Tascade coordinates distributed software agents over a shared task DAG:
dependency-aware readiness, leased claims with fencing, mid-flight replans
with impact previews, and human-gated integration checkpoints.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Debug = true
		}
		if err := logging.Init(cfg.Logging.Debug); err != nil {
			return err
		}

		st, err := store.Open(cfg.Database.Path, store.Options{
			BusyTimeoutMS: cfg.Database.BusyTimeoutMS,
			MigrationsDir: cfg.Database.MigrationsDir,
		})
		if err != nil {
			return err
		}
		engine = core.New(st, cfg)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if engine != nil {
			_ = engine.Store().Close()
		}
		logging.Sync()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and report the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Open already migrated; report where we landed.
		v, err := engine.Store().SchemaVersion()
		if err != nil {
			return err
		}
		fmt.Printf("schema version %d\n", v)
		return nil
	},
}

var sweepOnce bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the expiry and gate sweeps, once or continuously",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if sweepOnce {
			return engine.SweepOnce(ctx)
		}
		fmt.Println("sweeping; ctrl-c to stop")
		return engine.RunSweeps(ctx)
	},
}

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectDescription string

var projectCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := engine.CreateProject(cmd.Context(), cliCaller(), args[0], projectDescription)
		if err != nil {
			return err
		}
		fmt.Printf("created project %s (%s)\n", p.Name, p.ID)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		projects, err := engine.ListProjects(cliCaller())
		if err != nil {
			return err
		}
		for _, p := range projects {
			barrier := ""
			if p.ReplanBarrier {
				barrier = " [claims paused]"
			}
			fmt.Printf("%s  %s  plan v%d  %s%s\n", p.ID, p.Name, p.PlanVersion, p.Status, barrier)
		}
		return nil
	},
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage project-scoped API keys",
}

var apikeyRoles []string

var apikeyCreateCmd = &cobra.Command{
	Use:   "create PROJECT_ID NAME",
	Short: "Mint a key; the secret is printed exactly once",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roles := make([]types.Role, 0, len(apikeyRoles))
		for _, r := range apikeyRoles {
			roles = append(roles, types.Role(strings.TrimSpace(r)))
		}
		key, secret, err := engine.CreateAPIKey(cmd.Context(), cliCaller(), args[0], args[1], roles)
		if err != nil {
			return err
		}
		fmt.Printf("key id: %s\nsecret: %s\n", key.ID, secret)
		return nil
	},
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke PROJECT_ID KEY_ID",
	Short: "Revoke a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := engine.RevokeAPIKey(cmd.Context(), cliCaller(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("revoked")
		return nil
	},
}

var apikeyListCmd = &cobra.Command{
	Use:   "list PROJECT_ID",
	Short: "List a project's keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := engine.ListAPIKeys(cliCaller(), args[0])
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Printf("%s  %s  %v  %s\n", k.ID, k.Name, k.Roles, k.Status)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status PROJECT_ID",
	Short: "Show task state counts and open checkpoints for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID := args[0]
		counts, err := taskStateCounts(projectID)
		if err != nil {
			return err
		}
		for _, line := range counts {
			fmt.Println(line)
		}
		checkpoints, err := engine.Checkpoints(cliCaller(), projectID)
		if err != nil {
			return err
		}
		for _, cp := range checkpoints {
			sla := ""
			if cp.SLABreached {
				sla = " SLA BREACHED"
			}
			fmt.Printf("gate %s  age %ds  ready %d  blocked %d%s\n",
				cp.Task.ShortID, cp.AgeSeconds, cp.ReadyCandidates, cp.BlockedCandidates, sla)
		}
		return nil
	},
}

func taskStateCounts(projectID string) ([]string, error) {
	rows, err := engine.Store().DB().Query(
		`SELECT state, COUNT(1) FROM tasks WHERE project_id = ? AND deprecated_in_plan = 0
		 GROUP BY state ORDER BY state`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out = append(out, fmt.Sprintf("%-14s %d", state, n))
	}
	return out, rows.Err()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	sweepCmd.Flags().BoolVar(&sweepOnce, "once", false, "run one pass and exit")
	projectCreateCmd.Flags().StringVarP(&projectDescription, "description", "d", "", "project description")
	apikeyCreateCmd.Flags().StringSliceVar(&apikeyRoles, "roles", []string{"agent"}, "role scopes for the key")

	projectCmd.AddCommand(projectCreateCmd, projectListCmd)
	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyRevokeCmd, apikeyListCmd)
	rootCmd.AddCommand(migrateCmd, sweepCmd, projectCmd, apikeyCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
