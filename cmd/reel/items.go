package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proofreel/internal/app"
	"proofreel/internal/domain"
	"proofreel/internal/engine"
	"proofreel/internal/repo"
)

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "item", Short: "Manage work items"}
	cmd.AddCommand(itemCreateCmd())
	cmd.AddCommand(itemListCmd())
	cmd.AddCommand(itemShowCmd())
	cmd.AddCommand(itemAssignCmd())
	cmd.AddCommand(itemDeleteCmd())
	cmd.AddCommand(itemHistoryCmd())
	for _, a := range []struct {
		action engine.Action
		short  string
	}{
		{engine.ActionStart, "Start work on an item"},
		{engine.ActionEscalate, "Send the latest delivery to the client"},
		{engine.ActionReject, "Send the delivery back to the editor"},
		{engine.ActionApprove, "Approve on the client's behalf"},
		{engine.ActionRequestRevision, "Request a revision on the client's behalf"},
		{engine.ActionResume, "Resume work after a revision request"},
		{engine.ActionCancel, "Cancel an item"},
	} {
		cmd.AddCommand(itemTransitionCmd(a.action, a.short))
	}
	return cmd
}

func itemCreateCmd() *cobra.Command {
	var opts engine.WorkItemCreateOptions
	var kind string
	var meta []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Kind = domain.Kind(kind)
			opts.ActorID = actorID()
			if len(meta) > 0 {
				opts.Metadata = map[string]string{}
				for _, kv := range meta {
					k, v, ok := strings.Cut(kv, "=")
					if !ok {
						return fmt.Errorf("--meta expects key=value, got %q", kv)
					}
					opts.Metadata[k] = v
				}
			}
			if opts.Deadline != "" {
				d, err := parseDeadline(opts.Deadline)
				if err != nil {
					return err
				}
				opts.Deadline = d
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkItem(ctx, opts)
				if err != nil {
					return err
				}
				return printWorkItem(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "item id (default: generated)")
	cmd.Flags().StringVar(&kind, "kind", string(domain.KindVideo), "video or design")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.ProjectRef, "project", "", "project reference")
	cmd.Flags().StringVar(&opts.OwnerID, "owner", "", "owner (manager) id")
	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client id")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee (editor) id")
	cmd.Flags().StringVar(&opts.Deadline, "deadline", "", "deadline, RFC3339 or a duration from now like 72h")
	cmd.Flags().StringSliceVar(&meta, "meta", nil, "metadata key=value")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

// parseDeadline accepts an RFC3339 timestamp or a Go duration relative to now.
func parseDeadline(raw string) (string, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return domain.FormatTime(t), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return "", fmt.Errorf("--deadline: expected RFC3339 or duration, got %q", raw)
	}
	return domain.FormatTime(time.Now().Add(d)), nil
}

func itemListCmd() *cobra.Command {
	var f repo.WorkItemFilters
	var late, summary bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if summary {
					counts, err := e.Repo.CountWorkItemsByStatus(ctx)
					if err != nil {
						return err
					}
					return printStatusSummary(counts)
				}
				if late {
					f.Status = string(domain.StatusLate)
				}
				items, err := e.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				return printWorkItems(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (late selects overdue new/active items)")
	cmd.Flags().BoolVar(&late, "late", false, "only late items")
	cmd.Flags().BoolVar(&summary, "summary", false, "count items per stored status instead of listing them")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.ProjectRef, "project", "", "project reference filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max items")
	return cmd
}

func printStatusSummary(counts map[string]int) error {
	if viper.GetBool("json") {
		return printJSON(counts)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Status", "Items"})
	total := 0
	for _, st := range []domain.Status{domain.StatusNew, domain.StatusActive, domain.StatusReviewAdmin, domain.StatusReviewClient,
		domain.StatusRevisionRequested, domain.StatusCompleted, domain.StatusCancelled} {
		tw.AppendRow(table.Row{st, counts[string(st)]})
		total += counts[string(st)]
	}
	tw.AppendFooter(table.Row{"total", total})
	tw.Render()
	return nil
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printWorkItem(w)
			})
		},
	}
}

func itemTransitionCmd(action engine.Action, short string) *cobra.Command {
	var notes, linkTTL string
	var rating int
	var expected int64
	cmd := &cobra.Command{
		Use:   strings.ReplaceAll(string(action), "_", "-") + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TransitionOptions{
				WorkItemID:      args[0],
				Action:          action,
				ActorID:         actorID(),
				Notes:           notes,
				ExpectedVersion: expected,
			}
			if rating > 0 {
				opts.Rating = &rating
			}
			if linkTTL != "" {
				d, err := time.ParseDuration(linkTTL)
				if err != nil {
					return fmt.Errorf("--link-ttl: %w", err)
				}
				opts.LinkTTL = d
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Transition(ctx, opts)
				if err != nil {
					return err
				}
				if action == engine.ActionEscalate && !viper.GetBool("json") {
					if link, err := e.CurrentReviewLink(ctx, w.ID); err == nil {
						fmt.Printf("review link: %s (expires %s)\n", e.ReviewURL(link.Token), link.ExpiresAt)
					}
				}
				return printWorkItem(w)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "notes recorded with the action")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "fail unless the item is at this row version")
	switch action {
	case engine.ActionApprove:
		cmd.Flags().IntVar(&rating, "rating", 0, "rating 1-5")
	case engine.ActionEscalate:
		cmd.Flags().StringVar(&linkTTL, "link-ttl", "", "review link lifetime (default review.link_ttl)")
	}
	return cmd
}

func itemAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <id> <assignee>",
		Short: "Assign an item to an editor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.AssignWorkItem(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printWorkItem(w)
			})
		},
	}
}

func itemDeleteCmd() *cobra.Command {
	var keepMedia bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an item with its deliveries, links and feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				handles, err := rt.Engine.DeleteWorkItem(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if !keepMedia {
					for _, h := range handles {
						if err := rt.Media.DeleteAsset(ctx, h); err != nil {
							fmt.Printf("warning: delete media %s: %v\n", h, err)
						}
					}
				}
				fmt.Printf("deleted %s (%d media assets)\n", args[0], len(handles))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&keepMedia, "keep-media", false, "leave hosted media in place")
	return cmd
}

func itemHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show an item's event history, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "max events")
	return cmd
}

func deliveryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "delivery", Short: "Record and list deliveries"}
	cmd.AddCommand(deliverySubmitCmd())
	cmd.AddCommand(deliveryListCmd())
	return cmd
}

func deliverySubmitCmd() *cobra.Command {
	var opts engine.DeliveryOptions
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Record an external link (or an existing media handle) as the next version",
		Long:  "Recording a delivery submits the item for internal review. Use 'reel upload' to send a file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkItemID = args[0]
			opts.ActorID = actorID()
			opts.Type = domain.DeliveryLink
			if opts.MediaHandle != "" {
				opts.Type = domain.DeliveryFile
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, w, err := e.RecordDelivery(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"delivery": d, "work_item": w})
				}
				fmt.Printf("recorded v%d for %s", d.VersionNumber, w.ID)
				if d.Late {
					fmt.Print(" (late)")
				}
				fmt.Println()
				return printWorkItem(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", "", "external link URL")
	cmd.Flags().StringVar(&opts.LinkKind, "link-kind", "", "link kind, e.g. frameio, figma, drive")
	cmd.Flags().StringVar(&opts.MediaHandle, "media", "", "media handle of an already uploaded file")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes for reviewers")
	return cmd
}

func deliveryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <id>",
		Short: "List an item's deliveries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ds, err := e.ListDeliveries(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ds)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Version", "Type", "Target", "By", "Late", "Submitted"})
				for _, d := range ds {
					target := deref(d.URL)
					if d.Type == domain.DeliveryFile {
						target = deref(d.MediaHandle)
					}
					tw.AppendRow(table.Row{"v" + strconv.Itoa(d.VersionNumber), d.Type, target, d.SubmittedBy, d.Late, d.SubmittedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}
