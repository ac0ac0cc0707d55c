package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vintner/internal/app"
	"vintner/internal/config"
	"vintner/internal/db"
	"vintner/internal/domain"
	"vintner/internal/engine"
	"vintner/internal/migrate"
	"vintner/internal/repo"
	"vintner/internal/server"
	"vintner/internal/work"
)

var rootCmd = &cobra.Command{
	Use:   "vintner",
	Short: "Vintner activity scheduler",
	Long: `Vintner schedules the weekly labor of a winery.
Core concepts:
- Activity: a unit of work (planting, crushing, building...) sized in work units when it is created.
- Target: the vineyard, tank or building an activity occupies; one live activity per target.
- Staff: workers with a capacity and skills; their contribution is applied once per tick.
- Tick: one in-game week. Activities progress, complete, and free their targets.
- Event log: journal of every change, view with 'vintner log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VINTNER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(staffCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(targetCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace with the default vintner.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if viper.GetBool("json") {
					return printJSON(map[string]any{"config": path, "database": db.Path(workspace), "week": rt.Engine.Week()})
				}
				fmt.Printf("Initialized workspace %s (config %s)\n", workspace, path)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config holds the work rate table, staff skill mapping, logging, server and webhook settings. It is read from vintner.yml; missing keys keep their defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Category", "Base rate", "Initial work", "Skill"})
			skills := cfg.SkillMap()
			for _, c := range domain.Categories {
				rate := cfg.Rates()[c]
				tw.AppendRow(table.Row{c, rate.BaseRate, rate.InitialWork, skills[c]})
			}
			tw.Render()
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate vintner.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current week and scheduler summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				acts := rt.Engine.ListActivities()
				counts := map[domain.ActivityState]int{}
				for _, a := range acts {
					counts[a.State]++
				}
				status := map[string]any{
					"week":        rt.Engine.Week(),
					"activities":  len(acts),
					"pending":     counts[domain.StatePending],
					"in_progress": counts[domain.StateInProgress],
					"claims":      len(rt.Engine.Locks().Claims()),
					"workers":     len(rt.Roster.List()),
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				fmt.Printf("Week %d: %d activities (%d pending, %d in progress), %d claimed targets, %d workers\n",
					status["week"], status["activities"], status["pending"], status["in_progress"], status["claims"], status["workers"])
				return nil
			})
		},
	}
}

func staffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staff",
		Short: "Manage workers",
	}
	cmd.AddCommand(staffAddCmd())
	cmd.AddCommand(staffListCmd())
	cmd.AddCommand(staffRemoveCmd())
	return cmd
}

func staffAddCmd() *cobra.Command {
	var (
		id, name string
		capacity float64
		skills   map[string]string
		specs    []string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = uuid.NewString()
			}
			w := domain.Worker{ID: id, Name: name, Capacity: capacity, Skills: map[domain.SkillKind]float64{}}
			for k, v := range skills {
				kind, err := domain.ParseSkill(k)
				if err != nil {
					return err
				}
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return fmt.Errorf("skill %s: %w", k, err)
				}
				w.Skills[kind] = f
			}
			for _, s := range specs {
				kind, err := domain.ParseSkill(s)
				if err != nil {
					return err
				}
				w.Specializations = append(w.Specializations, kind)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				saved, err := rt.PutWorker(ctx, w)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Printf("Worker %s saved\n", saved.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "worker id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().Float64Var(&capacity, "capacity", 0, "base labor throughput")
	cmd.Flags().StringToStringVar(&skills, "skill", map[string]string{}, "skill=value in [0,1] (repeatable)")
	cmd.Flags().StringArrayVar(&specs, "specialization", []string{}, "specialized skill (repeatable)")
	_ = cmd.MarkFlagRequired("capacity")
	return cmd
}

func staffListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				workers := rt.Roster.List()
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Capacity", "Skills", "Specializations"})
				for _, w := range workers {
					var parts []string
					for _, k := range domain.SkillKinds {
						if v, ok := w.Skills[k]; ok {
							parts = append(parts, fmt.Sprintf("%s=%.2f", k, v))
						}
					}
					var specs []string
					for _, s := range w.Specializations {
						specs = append(specs, string(s))
					}
					tw.AppendRow(table.Row{w.ID, w.Name, w.Capacity, strings.Join(parts, " "), strings.Join(specs, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func staffRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <worker-id>",
		Short: "Remove a worker; assigned activities stop receiving their labor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.RemoveWorker(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Worker %s removed\n", args[0])
				return nil
			})
		},
	}
}

func activityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Manage activities",
	}
	cmd.AddCommand(activityCreateCmd())
	cmd.AddCommand(activityQuoteCmd())
	cmd.AddCommand(activityListCmd())
	cmd.AddCommand(activityShowCmd())
	cmd.AddCommand(activityAssignCmd())
	cmd.AddCommand(activityRemoveCmd())
	cmd.AddCommand(activityEstimateCmd())
	return cmd
}

// activityFlags collects the sizing inputs shared by create and quote.
type activityFlags struct {
	category, target, title, params string
	amount                          float64
	workers                         []string
	density, altitude               float64
	minAltitude, maxAltitude        float64
	robustness                      float64
	modifiers                       []float64
}

func (f *activityFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.category, "category", "", "activity category")
	cmd.Flags().Float64Var(&f.amount, "amount", 0, "amount of work in category units (acres, tonnes, ...)")
	cmd.Flags().StringVar(&f.target, "target", "", "target id the activity occupies")
	cmd.Flags().StringVar(&f.title, "title", "", "display title")
	cmd.Flags().StringArrayVar(&f.workers, "worker", []string{}, "assigned worker id (repeatable)")
	cmd.Flags().Float64Var(&f.density, "density", 0, "vine density for planting, harvesting and uprooting")
	cmd.Flags().Float64Var(&f.altitude, "altitude", 0, "vineyard altitude")
	cmd.Flags().Float64Var(&f.minAltitude, "min-altitude", 0, "regional minimum altitude")
	cmd.Flags().Float64Var(&f.maxAltitude, "max-altitude", 0, "regional maximum altitude")
	cmd.Flags().Float64Var(&f.robustness, "robustness", 0, "grape robustness in [0,1]")
	cmd.Flags().Float64SliceVar(&f.modifiers, "modifier", []float64{}, "multiplicative work modifier (repeatable)")
	cmd.Flags().StringVar(&f.params, "params", "", "category parameters as JSON")
	_ = cmd.MarkFlagRequired("category")
}

func (f *activityFlags) request(cmd *cobra.Command) (engine.CreateRequest, error) {
	category, err := domain.ParseCategory(f.category)
	if err != nil {
		return engine.CreateRequest{}, err
	}
	req := engine.CreateRequest{
		Category:  category,
		Amount:    f.amount,
		TargetID:  f.target,
		Title:     f.title,
		WorkerIDs: f.workers,
	}
	flagValue := func(name string, v float64) *float64 {
		if !cmd.Flags().Changed(name) {
			return nil
		}
		return &v
	}
	req.Work = work.Context{
		Density:     flagValue("density", f.density),
		Altitude:    flagValue("altitude", f.altitude),
		MinAltitude: flagValue("min-altitude", f.minAltitude),
		MaxAltitude: flagValue("max-altitude", f.maxAltitude),
		Robustness:  flagValue("robustness", f.robustness),
	}
	for _, m := range f.modifiers {
		req.Work.Modifiers = append(req.Work.Modifiers, work.Modifier(m))
	}
	if strings.TrimSpace(f.params) != "" {
		p, err := domain.DecodeParamsFor(category, []byte(f.params))
		if err != nil {
			return req, err
		}
		req.Params = p
	}
	return req, nil
}

func activityCreateCmd() *cobra.Command {
	var f activityFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an activity and claim its target",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(cmd)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				act, err := rt.Engine.CreateActivity(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(act)
				}
				fmt.Printf("Activity %s created: %s, %.0f work units, state %s\n", act.ID, act.Category, act.TotalWork, act.State)
				return nil
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func activityQuoteCmd() *cobra.Command {
	var f activityFlags
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Size a prospective activity without creating it",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(cmd)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				q, err := rt.Engine.Quote(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func activityListCmd() *cobra.Command {
	var category, state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var acts []domain.Activity
				for _, a := range rt.Engine.ListActivities() {
					if category != "" && string(a.Category) != category {
						continue
					}
					if state != "" && string(a.State) != state {
						continue
					}
					acts = append(acts, a)
				}
				if viper.GetBool("json") {
					return printJSON(acts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Category", "Target", "Work", "Progress", "State", "Workers"})
				for _, a := range acts {
					tw.AppendRow(table.Row{
						a.ID,
						a.Category,
						a.TargetID,
						fmt.Sprintf("%.0f/%.0f", a.AppliedWork, a.TotalWork),
						fmt.Sprintf("%.0f%%", a.Progress()*100),
						a.State,
						strings.Join(a.WorkerIDs, ","),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	return cmd
}

func activityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <activity-id>",
		Short: "Show activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				act, ok := rt.Engine.GetActivity(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", engine.ErrActivityNotFound, args[0])
				}
				return printJSONOrTable(act)
			})
		},
	}
}

func activityAssignCmd() *cobra.Command {
	var workers []string
	cmd := &cobra.Command{
		Use:   "assign <activity-id>",
		Short: "Replace the workers assigned to an activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.AssignWorkers(ctx, args[0], workers)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, w := range res.Warnings {
					fmt.Println("warning:", w)
				}
				fmt.Printf("Activity %s staffed by [%s]\n", res.ActivityID, strings.Join(res.WorkerIDs, ", "))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&workers, "worker", []string{}, "worker id (repeatable; none clears the team)")
	return cmd
}

func activityRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <activity-id>",
		Short: "Cancel an activity and free its target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				act, err := rt.Engine.RemoveActivity(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(act)
				}
				fmt.Printf("Activity %s removed\n", act.ID)
				return nil
			})
		},
	}
}

func activityEstimateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <activity-id>",
		Short: "Display-only estimate of weeks remaining",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				est, err := rt.Engine.Estimate(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(est)
				}
				weeks := strconv.Itoa(est.Weeks)
				if est.Weeks < 0 {
					weeks = "never (no effective staff)"
				}
				fmt.Printf("%.0f work remaining, %.1f/week applied, ~%s weeks (team efficiency %.0f%%)\n",
					est.Remaining, est.WeeklyContribution, weeks, est.TeamEfficiency*100)
				return nil
			})
		},
	}
}

func tickCmd() *cobra.Command {
	var weeks int
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Advance the scheduler by one or more weeks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if weeks < 1 {
				return errors.New("--weeks must be at least 1")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var reports []engine.TickReport
				for i := 0; i < weeks; i++ {
					report, err := rt.Engine.Tick(ctx)
					if err != nil {
						return err
					}
					reports = append(reports, report)
				}
				if viper.GetBool("json") {
					return printJSON(reports)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Week", "Processed", "Skipped", "Completed"})
				for _, r := range reports {
					tw.AppendRow(table.Row{r.Week, len(r.Processed), len(r.Skipped), strings.Join(r.Completed, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&weeks, "weeks", 1, "number of weeks to advance")
	return cmd
}

func targetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Inspect target claims",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status [target-id]",
		Short: "Show whether a target is busy, or list every claim",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if len(args) == 1 {
					holder, busy := rt.Engine.Locks().Holder(args[0])
					return printJSONOrTable(map[string]any{"target_id": args[0], "busy": busy, "activity_id": holder})
				}
				claims := rt.Engine.Locks().Claims()
				if viper.GetBool("json") {
					return printJSON(claims)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Target", "Activity"})
				for _, c := range claims {
					tw.AppendRow(table.Row{c.TargetID, c.ActivityID})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Week", "Type", "Entity", "Payload"})
				for _, e := range events {
					entity := e.EntityKind
					if e.EntityID != "" {
						entity += ":" + e.EntityID
					}
					tw.AppendRow(table.Row{e.ID, e.Week, e.Type, entity, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var scopes []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API (uses VINTNER_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				return errors.New("VINTNER_JWT_SECRET is required to sign tokens")
			}
			token, err := server.IssueToken(secret, subject, scopes...)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-player", "token subject")
	cmd.Flags().StringArrayVar(&scopes, "scope", []string{}, "token scope (repeatable)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, readOnlyScope string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if !cmd.Flags().Changed("addr") && rt.Config.Server.Addr != "" {
					addr = rt.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && rt.Config.Server.BasePath != "" {
					basePath = rt.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt_secret"), ReadOnlyScope: readOnlyScope}
				if authCfg.JWTSecret == "" {
					rt.Logger.Warn("VINTNER_JWT_SECRET not set; API is unauthenticated")
				}
				handler, err := server.New(server.Config{Runtime: rt, BasePath: basePath, Auth: authCfg, Logger: rt.Logger})
				if err != nil {
					return err
				}
				hooks := server.NewWebhookDispatcher(rt.Repo, rt.Config.Webhooks, rt.Logger)
				hooks.Prime(ctx)
				go hooks.Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Vintner API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&readOnlyScope, "read-only-scope", "read", "token scope limited to GET requests")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// withRuntime opens the workspace, runs fn and closes it again, which saves
// the scheduler snapshot.
func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, viper.GetString("workspace"), app.Options{})
	if err != nil {
		return err
	}
	runErr := fn(ctx, rt)
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(runErr, rt.Close(closeCtx))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
