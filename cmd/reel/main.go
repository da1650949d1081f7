package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proofreel/internal/app"
	"proofreel/internal/domain"
	"proofreel/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "reel",
	Short: "proofreel CLI",
	Long: `proofreel tracks creative work items (videos, designs) from brief to client approval.
- Work items move new -> active -> review_admin -> review_client -> completed; a client or
  manager may send them back to revision_requested, and cancel ends them from anywhere.
- Deliveries are versioned submissions (an uploaded file or an external link); recording
  one submits the item for internal review.
- Escalating to the client issues a time-limited review link; the client's feedback on
  that link approves the work or requests a revision.
- Every change is written to the event log; 'reel log follow' streams it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return app.LoadEnv(viper.GetString("workspace"))
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PROOFREEL")
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
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(deliveryCmd())
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(playbackCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
}

// --- helpers ---

func actorID() string {
	return viper.GetString("actor-id")
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
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

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printWorkItems(items []domain.WorkItem) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Status", "Rev", "Assignee", "Deadline", "Urgency"})
	for _, w := range items {
		tw.AppendRow(table.Row{w.ID, w.Kind, w.Title, w.EffectiveStatus, w.RevisionCount, deref(w.AssigneeID), deref(w.Deadline), w.Urgency})
	}
	tw.Render()
	return nil
}

func printWorkItem(w domain.WorkItem) error {
	if viper.GetBool("json") {
		return printJSON(w)
	}
	fmt.Printf("%s  %s (%s)\n", w.ID, w.Title, w.Kind)
	fmt.Printf("  status:    %s", w.Status)
	if w.EffectiveStatus != w.Status {
		fmt.Printf(" (%s)", w.EffectiveStatus)
	}
	fmt.Println()
	fmt.Printf("  revisions: %d\n", w.RevisionCount)
	if w.AssigneeID != nil {
		fmt.Printf("  assignee:  %s\n", *w.AssigneeID)
	}
	if w.ClientID != nil {
		fmt.Printf("  client:    %s\n", *w.ClientID)
	}
	if w.Deadline != nil {
		fmt.Printf("  deadline:  %s (%s)\n", *w.Deadline, w.Urgency)
	}
	var actions []string
	for _, a := range engine.AllowedActions(w.Status) {
		if a != engine.ActionSubmit {
			actions = append(actions, string(a))
		}
	}
	if len(actions) > 0 {
		fmt.Printf("  next:      %s\n", strings.Join(actions, ", "))
	}
	return nil
}

func printEvents(events []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(events)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Work item", "Entity", "Actor"})
	for _, e := range events {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.WorkItemID, e.EntityKind + ":" + e.EntityID, e.ActorID})
	}
	tw.Render()
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
