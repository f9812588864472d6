package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	"gigflow/internal/config"
	"gigflow/internal/db"
	"gigflow/internal/domain"
	"gigflow/internal/engine"
	"gigflow/internal/migrate"
	"gigflow/internal/repo"
	"gigflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gf",
	Short: "Gigflow CLI",
	Long: `Gigflow automates freelance marketplace workflows.
- Rules: trigger/condition/action automations with run bookkeeping.
- Contracts: two-party agreements; client signs first, completion issues the invoice.
- Invoices: one-off or recurring; 'gf invoice process-recurring' generates due instances.
- Event log: diary of every state change, view with 'gf log tail'.`,
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
	viper.SetEnvPrefix("GIGFLOW")
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
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(invoiceCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace with default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fmt.Printf("Initialized workspace: %s, %s\n", path, db.Path(workspace))
				return nil
			})
		},
	}
	return cmd
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{
		Use:   "rule",
		Short: "Manage automation rules",
		Long:  "Rules bind a trigger to an action, guarded by an optional CEL condition over the trigger context. Counters track every run and every success.",
	}
	rule.AddCommand(ruleCreateCmd())
	rule.AddCommand(ruleListCmd())
	rule.AddCommand(ruleShowCmd())
	rule.AddCommand(ruleUpdateCmd())
	rule.AddCommand(ruleDeleteCmd())
	rule.AddCommand(ruleExecuteCmd())
	rule.AddCommand(ruleDispatchCmd())
	return rule
}

func ruleCreateCmd() *cobra.Command {
	var opts engine.RuleCreateOptions
	var inactive bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.IsActive = !inactive
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.CreateRule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "rule id (optional)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "rule name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Type, "type", "", "rule type")
	cmd.Flags().StringVar(&opts.Trigger, "trigger", "", "trigger event name (default MANUAL)")
	cmd.Flags().StringVar(&opts.Condition, "condition", "", "CEL condition over event/trigger")
	cmd.Flags().StringVar(&opts.ActionKind, "action", "", "action kind (create_invoice, mark_invoice_overdue, send_notification, webhook)")
	cmd.Flags().StringVar(&opts.ActionConfig, "action-config", "", "action config JSON")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create inactive")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var ruleType, trigger string
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f := repo.RuleFilters{Type: ruleType, Trigger: trigger}
				if activeOnly {
					t := true
					f.Active = &t
				}
				items, err := r.ListRules(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Name", "Trigger", "Action", "Active", "Runs", "OK"})
				for _, rule := range items {
					t.AppendRow(table.Row{rule.ID, rule.Name, rule.Trigger, rule.ActionKind, rule.IsActive, rule.RunCount, rule.SuccessCount})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ruleType, "type", "", "filter by type")
	cmd.Flags().StringVar(&trigger, "trigger", "", "filter by trigger")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active rules")
	return cmd
}

func ruleShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rule, err := r.GetRule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
	return cmd
}

func ruleUpdateCmd() *cobra.Command {
	var name, description, ruleType, trigger, condition, actionKind, actionConfig string
	var active bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.RuleUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("type") {
				opts.Type = &ruleType
			}
			if cmd.Flags().Changed("trigger") {
				opts.Trigger = &trigger
			}
			if cmd.Flags().Changed("condition") {
				opts.Condition = &condition
			}
			if cmd.Flags().Changed("action") {
				opts.ActionKind = &actionKind
			}
			if cmd.Flags().Changed("action-config") {
				opts.ActionConfig = &actionConfig
			}
			if cmd.Flags().Changed("active") {
				opts.IsActive = &active
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.UpdateRule(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "rule name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&ruleType, "type", "", "rule type")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger event name")
	cmd.Flags().StringVar(&condition, "condition", "", "CEL condition")
	cmd.Flags().StringVar(&actionKind, "action", "", "action kind")
	cmd.Flags().StringVar(&actionConfig, "action-config", "", "action config JSON")
	cmd.Flags().BoolVar(&active, "active", true, "active flag")
	return cmd
}

func ruleDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteRule(ctx, args[0])
			})
		},
	}
	return cmd
}

func ruleExecuteCmd() *cobra.Command {
	var contextJSON string
	cmd := &cobra.Command{
		Use:   "execute <id>",
		Short: "Execute one rule against a trigger context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trigCtx, err := parseContext(contextJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ExecuteRule(ctx, args[0], trigCtx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&contextJSON, "context", "", "trigger context JSON")
	return cmd
}

func ruleDispatchCmd() *cobra.Command {
	var contextJSON string
	cmd := &cobra.Command{
		Use:   "dispatch <trigger>",
		Short: "Dispatch a trigger to all matching active rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trigCtx, err := parseContext(contextJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				results, err := e.Dispatch(ctx, args[0], trigCtx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(results)
			})
		},
	}
	cmd.Flags().StringVar(&contextJSON, "context", "", "trigger context JSON")
	return cmd
}

func contractCmd() *cobra.Command {
	contract := &cobra.Command{
		Use:   "contract",
		Short: "Manage contracts",
		Long:  "Contracts flow DRAFT -> PENDING_REVIEW -> CLIENT_SIGNED -> SIGNED. The client signs first; completion issues the contract invoice exactly once.",
	}
	contract.AddCommand(contractCreateCmd())
	contract.AddCommand(contractListCmd())
	contract.AddCommand(contractShowCmd())
	contract.AddCommand(contractUpdateCmd())
	contract.AddCommand(contractSubmitCmd())
	contract.AddCommand(contractSignCmd())
	contract.AddCommand(contractCancelCmd())
	return contract
}

func contractCreateCmd() *cobra.Command {
	var opts engine.ContractCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a contract draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateContract(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "contract id (optional)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Content, "content", "", "contract body")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client actor id")
	cmd.Flags().StringVar(&opts.FreelancerID, "freelancer", "", "freelancer actor id")
	cmd.Flags().StringVar(&opts.ExpiresAt, "expires-at", "", "expiry (RFC3339)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("freelancer")
	return cmd
}

func contractListCmd() *cobra.Command {
	var status, clientID, freelancerID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListContracts(ctx, repo.ContractFilters{
					Status:       status,
					ClientID:     clientID,
					FreelancerID: freelancerID,
					Limit:        limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Title", "Status", "Client", "Freelancer", "Version"})
				for _, c := range items {
					t.AppendRow(table.Row{c.ID, c.Title, c.Status, c.ClientID, c.FreelancerID, c.Version})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&clientID, "client", "", "filter by client")
	cmd.Flags().StringVar(&freelancerID, "freelancer", "", "filter by freelancer")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func contractShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetContract(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func contractUpdateCmd() *cobra.Command {
	var title, description, content, expiresAt string
	var expectedVersion int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit contract content before signing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ContractUpdateOptions{
				ID:              args[0],
				ExpectedVersion: expectedVersion,
				ActorID:         viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("content") {
				opts.Content = &content
			}
			if cmd.Flags().Changed("expires-at") {
				opts.ExpiresAt = &expiresAt
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.UpdateContract(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&content, "content", "", "contract body")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "expiry (RFC3339, empty to clear)")
	cmd.Flags().IntVar(&expectedVersion, "expected-version", 0, "optimistic lock version (0 skips the check)")
	return cmd
}

func contractSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit draft for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.SubmitContract(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func contractSignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Sign a contract as the current actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SignContract(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !viper.GetBool("json") && res.Completed {
					fmt.Printf("Contract fully signed; invoice %s issued\n", res.InvoiceID)
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func contractCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a contract before full execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CancelContract(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func invoiceCmd() *cobra.Command {
	invoice := &cobra.Command{
		Use:   "invoice",
		Short: "Manage invoices",
		Long:  "Invoices are one-off or recurring templates. 'process-recurring' walks all templates and issues at most one instance per template per period.",
	}
	invoice.AddCommand(invoiceCreateCmd())
	invoice.AddCommand(invoiceListCmd())
	invoice.AddCommand(invoiceShowCmd())
	invoice.AddCommand(invoiceStatusCmd())
	invoice.AddCommand(invoiceProcessRecurringCmd())
	return invoice
}

func invoiceCreateCmd() *cobra.Command {
	var opts engine.InvoiceCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an invoice or recurring template",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inv, err := e.CreateInvoice(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "invoice id (optional)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client actor id")
	cmd.Flags().StringVar(&opts.FreelancerID, "freelancer", "", "freelancer actor id")
	cmd.Flags().Float64Var(&opts.Total, "total", 0, "invoice total")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "currency (defaults from config)")
	cmd.Flags().StringVar(&opts.DueDate, "due-date", "", "due date (RFC3339)")
	cmd.Flags().BoolVar(&opts.IsRecurring, "recurring", false, "create as recurring template")
	cmd.Flags().StringVar(&opts.RecurrencePeriod, "period", "", "recurrence period (weekly, monthly, quarterly, yearly)")
	cmd.Flags().StringVar(&opts.RecurrenceAnchor, "anchor", "", "recurrence anchor (RFC3339, defaults to now)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("freelancer")
	return cmd
}

func invoiceListCmd() *cobra.Command {
	var status, contractID, templateID string
	var recurring bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List invoices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f := repo.InvoiceFilters{
					Status:     status,
					ContractID: contractID,
					TemplateID: templateID,
					Limit:      limit,
				}
				if cmd.Flags().Changed("recurring") {
					f.Recurring = &recurring
				}
				items, err := r.ListInvoices(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Number", "Title", "Status", "Total", "Due", "Recurring"})
				for _, inv := range items {
					t.AppendRow(table.Row{inv.InvoiceNumber, inv.Title, inv.Status, fmt.Sprintf("%.2f %s", inv.Total, inv.Currency), inv.DueDate, inv.IsRecurring})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&contractID, "contract", "", "filter by source contract")
	cmd.Flags().StringVar(&templateID, "template", "", "filter by recurring template")
	cmd.Flags().BoolVar(&recurring, "recurring", false, "filter by recurring flag")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func invoiceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				inv, err := r.GetInvoice(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
	return cmd
}

func invoiceStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Update invoice status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--to required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inv, err := e.SetInvoiceStatus(ctx, args[0], strings.ToUpper(status), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(inv)
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "target status (SENT, PAID, OVERDUE, CANCELLED)")
	return cmd
}

func invoiceProcessRecurringCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process-recurring",
		Short: "Generate due invoices from recurring templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				results, err := e.ProcessRecurring(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Template", "Status", "Period", "New invoice", "Detail"})
				for _, r := range results {
					detail := r.Reason
					if r.Error != "" {
						detail = r.Error
					}
					t.AppendRow(table.Row{r.TemplateID, r.Status, r.PeriodKey, r.NewInvoiceID, detail})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			key := "gfk_" + hex.EncodeToString(raw)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				apiKey := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, apiKey); err != nil {
					return err
				}
				fmt.Printf("API key (store it now, it is not shown again): %s\n", key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: rule runs, contract transitions, invoices, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEventsFrom(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e, err := engine.New(conn, cfg)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("GIGFLOW_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("GIGFLOW_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Gigflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (local use only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func parseContext(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid context JSON: %w", err)
	}
	return m, nil
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
