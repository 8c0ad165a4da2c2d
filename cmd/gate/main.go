package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"stagegate/internal/app"
	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/repo"
	"stagegate/internal/server"
	"stagegate/internal/sweep"
)

var rootCmd = &cobra.Command{
	Use:   "gate",
	Short: "Stagegate CLI",
	Long: `Stagegate routes entities through multi-stage approval workflows.
An entity (an ECO, a timesheet, a deviation, a FAI report, a controlled
document) is handed to a workflow definition; each stage resolves approvers
from role membership, collects decisions under an any/all/quorum rule, and
escalates when nobody acts in time. Every state change lands in an
append-only audit log.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(definitionCmd())
	rootCmd.AddCommand(initiateCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(holdCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(delegateCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Bootstrap(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("Initialized workspace: %s and %s\n", db.Path(workspace), path)
				return nil
			})
		},
	}
	return cmd
}

func definitionCmd() *cobra.Command {
	def := &cobra.Command{Use: "definition", Short: "Manage workflow definitions"}
	def.AddCommand(definitionListCmd())
	def.AddCommand(definitionShowCmd())
	def.AddCommand(definitionRegisterCmd())
	return def
}

func definitionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List latest definition versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				defs, err := a.Engine.Repo.ListDefinitions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(defs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Version", "Stages"})
				for _, d := range defs {
					tw.AppendRow(table.Row{d.ID, d.Name, d.Version, len(d.Stages)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func definitionShowCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				def, err := a.Engine.Registry.Get(ctx, args[0], version)
				if err != nil {
					return err
				}
				return printJSONOrTable(def)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version (0 = latest)")
	return cmd
}

func definitionRegisterCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a definition version from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var doc struct {
				Name   string                 `yaml:"name"`
				Stages []domain.StageTemplate `yaml:"stages"`
			}
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				def, err := a.Engine.Registry.Register(ctx, domain.WorkflowDefinition{
					Name:   doc.Name,
					Stages: doc.Stages,
				}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(def)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "definition YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func initiateCmd() *cobra.Command {
	var entityType, entityID, definition, priority string
	var roles, meta []string
	cmd := &cobra.Command{
		Use:   "initiate",
		Short: "Start a workflow instance for an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseKeyValues(meta)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Initiate(ctx, engine.InitiateOptions{
					Mapping: domain.EntityMapping{
						EntityType:    entityType,
						EntityID:      entityID,
						RequiredRoles: roles,
						Priority:      priority,
						Metadata:      metadata,
					},
					DefinitionRef: definition,
					ActorID:       actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Instance %s started (%s@%d), stage %d, waiting on: %s\n",
					res.Instance.ID, res.Instance.DefinitionID, res.Instance.DefinitionVersion,
					res.Instance.CurrentStage, strings.Join(res.NextApprovers, ", "))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type (eco, time_entry, deviation, fai_report, document)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&definition, "definition", "", "definition id or id@version (default: routing rules)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (normal, urgent, emergency)")
	cmd.Flags().StringArrayVar(&roles, "role", nil, "required role override (repeatable)")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("entity-type")
	_ = cmd.MarkFlagRequired("entity-id")
	return cmd
}

func decideCmd() *cobra.Command {
	var stage int
	var outcome, comments, assignee string
	cmd := &cobra.Command{
		Use:   "decide <instance-id>",
		Short: "Record an approval decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				who := assignee
				if who == "" {
					who = actorID()
				}
				res, err := a.Engine.RecordDecision(ctx, engine.DecisionOptions{
					InstanceID: args[0],
					StageIndex: stage,
					AssigneeID: who,
					Outcome:    outcome,
					Comments:   comments,
					ActorID:    actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.StageConcluded {
					fmt.Printf("Decision recorded; stage concluded %s; instance is %s\n", res.StageOutcome, res.Instance.Status)
				} else {
					fmt.Println("Decision recorded; stage still open")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&stage, "stage", 0, "stage index the decision targets")
	cmd.Flags().StringVar(&outcome, "outcome", "", "approved, rejected, changes_requested or delegated")
	cmd.Flags().StringVar(&comments, "comments", "", "decision comments")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee (defaults to --actor-id)")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show instance status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("%s  %s/%s  %s  stage %d", st.Instance.ID, st.Instance.EntityType, st.Instance.EntityID, st.Instance.Status, st.Instance.CurrentStage)
				if st.StageName != "" {
					fmt.Printf(" (%s)", st.StageName)
				}
				fmt.Println()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Assignee", "Status", "Outcome", "Decided"})
				for _, a := range st.Assignments {
					outcome, decided := "", ""
					if a.Outcome != nil {
						outcome = *a.Outcome
					}
					if a.DecidedAt != nil {
						decided = *a.DecidedAt
					}
					tw.AppendRow(table.Row{a.StageIndex, a.AssigneeID, a.Status, outcome, decided})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <instance-id>",
		Short: "Show the instance audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Actor", "From", "To"})
				for _, ev := range evts {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.ActorID, ev.FromState, ev.ToState})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <instance-id>",
		Short: "Reconstruct instance state from the audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Replay(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
}

func listCmd() *cobra.Command {
	var f repo.InstanceFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListInstances(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Entity", "Definition", "Stage", "Status", "Priority"})
				for _, inst := range items {
					tw.AppendRow(table.Row{
						inst.ID,
						inst.EntityType + "/" + inst.EntityID,
						fmt.Sprintf("%s@%d", inst.DefinitionID, inst.DefinitionVersion),
						inst.CurrentStage,
						inst.Status,
						inst.Priority,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.EntityType, "entity-type", "", "entity type filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func queueCmd() *cobra.Command {
	var assignee string
	var limit int
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Open approvals waiting on an assignee",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				who := assignee
				if who == "" {
					who = actorID()
				}
				items, err := a.Engine.Queue(ctx, who, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Instance", "Entity", "Stage", "Priority", "Assigned"})
				for _, it := range items {
					tw.AppendRow(table.Row{
						it.Instance.ID,
						it.Instance.EntityType + "/" + it.Instance.EntityID,
						it.Assignment.StageIndex,
						it.Instance.Priority,
						it.Assignment.CreatedAt,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee (defaults to --actor-id)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func holdCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "hold <instance-id>",
		Short: "Pause an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				inst, err := a.Engine.Hold(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "hold reason")
	return cmd
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <instance-id>",
		Short: "Resume a held instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				inst, err := a.Engine.Resume(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
}

func cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				inst, err := a.Engine.Cancel(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancel reason")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <instance-id>",
		Short: "Retry adapter sync for a finished instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.RetryAdapterSync(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("synced")
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the escalation sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s := sweep.New(a.Engine)
				if watch {
					s.Run(ctx)
					return nil
				}
				res, err := s.SweepOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("scanned %d, escalated %d, failed %d\n", res.Scanned, res.Escalated, res.Failed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep sweeping on the configured interval")
	return cmd
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Manage role membership"}
	role.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List role members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				members, err := a.Engine.Repo.ListRoleMembers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Role", "Actor"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.Role, m.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	})
	role.AddCommand(&cobra.Command{
		Use:   "add <role> <actor-id>",
		Short: "Add an actor to a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.AddRoleMember(ctx, args[0], args[1])
			})
		},
	})
	role.AddCommand(&cobra.Command{
		Use:   "remove <role> <actor-id>",
		Short: "Remove an actor from a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.RemoveRoleMember(ctx, args[0], args[1])
			})
		},
	})
	return role
}

func delegateCmd() *cobra.Command {
	del := &cobra.Command{Use: "delegate", Short: "Manage standing delegations"}
	del.AddCommand(&cobra.Command{
		Use:   "set <actor-id> <delegate-id>",
		Short: "Delegate an actor's approvals",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == args[1] {
				return fmt.Errorf("cannot delegate to self")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.SetDelegation(ctx, args[0], args[1])
			})
		},
	})
	del.AddCommand(&cobra.Command{
		Use:   "clear <actor-id>",
		Short: "Clear an actor's delegation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.ClearDelegation(ctx, args[0])
			})
		},
	})
	del.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List delegations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListDelegations(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return del
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Create an API key (the secret is printed once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   args[0],
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "Key label")
	ak.AddCommand(create)
	ak.AddCommand(&cobra.Command{
		Use:   "list [actor-id]",
		Short: "List API keys",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := ""
				if len(args) == 1 {
					actor = args[0]
				}
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	ak.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return ak
}

func entityCmd() *cobra.Command {
	ent := &cobra.Command{Use: "entity", Short: "Manage entity records"}
	var status string
	var attrs []string
	set := &cobra.Command{
		Use:   "set <entity-type> <entity-id>",
		Short: "Upsert an entity record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseKeyValues(attrs)
			if err != nil {
				return err
			}
			data, err := json.Marshal(parsed)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.UpsertEntityRecord(ctx, domain.EntityRecord{
					EntityType: args[0],
					EntityID:   args[1],
					Status:     status,
					AttrsJSON:  string(data),
					UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
				})
			})
		},
	}
	set.Flags().StringVar(&status, "status", "", "entity status")
	set.Flags().StringArrayVar(&attrs, "attr", nil, "attribute key=value (repeatable)")
	ent.AddCommand(set)
	ent.AddCommand(&cobra.Command{
		Use:   "show <entity-type> <entity-id>",
		Short: "Show an entity record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.Repo.GetEntityRecord(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	})
	return ent
}

func logCmd() *cobra.Command {
	logGroup := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType, instanceID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.Repo.LatestEvents(ctx, n, evtType, instanceID)
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&instanceID, "instance", "", "instance id filter")
	logGroup.AddCommand(tail)
	return logGroup
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("STAGEGATE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("STAGEGATE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				sweepCtx, stopSweep := context.WithCancel(ctx)
				defer stopSweep()
				if !noSweep {
					go sweep.New(a.Engine).Run(sweepCtx)
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Stagegate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "disable the in-process escalation sweeper")
	return cmd
}

// parseKeyValues turns repeated key=value flags into a map. Values that parse
// as JSON scalars keep their type; everything else stays a string.
func parseKeyValues(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", p)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			out[k] = parsed
		} else {
			out[k] = v
		}
	}
	return out, nil
}
