package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proofreel/internal/domain"
	"proofreel/internal/engine"
)

func linkCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "link", Short: "Client review links"}
	cmd.AddCommand(linkIssueCmd())
	cmd.AddCommand(linkListCmd())
	cmd.AddCommand(linkRedeemCmd())
	return cmd
}

func linkIssueCmd() *cobra.Command {
	var version int
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue <id>",
		Short: "Replace the active review link, e.g. to re-send an expired one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				link, err := e.IssueReviewLink(ctx, engine.IssueLinkOptions{
					WorkItemID:      args[0],
					DeliveryVersion: version,
					TTL:             ttl,
					ActorID:         actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(link)
				}
				fmt.Printf("%s\n  delivery v%d, expires %s\n", e.ReviewURL(link.Token), link.DeliveryVersion, link.ExpiresAt)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "delivery version (default latest)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "link lifetime (default review.link_ttl)")
	return cmd
}

func linkListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <id>",
		Short: "List an item's review links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				links, err := e.ListReviewLinks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(links)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Version", "Active", "Views", "Issued", "Expires"})
				for _, l := range links {
					tw.AppendRow(table.Row{l.ID, l.DeliveryVersion, l.IsActive, l.ViewsCount, l.IssuedAt, l.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func linkRedeemCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redeem <token>",
		Short: "Open a review link as the client would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				red, err := e.RedeemReviewLink(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(red)
				}
				d := red.Delivery
				fmt.Printf("%s v%d (%s)\n", red.WorkItem.Title, d.VersionNumber, d.Type)
				if d.Type == domain.DeliveryLink {
					fmt.Printf("  %s\n", deref(d.URL))
				} else {
					fmt.Printf("  media %s\n", deref(d.MediaHandle))
				}
				fmt.Printf("  views %d, expires %s\n", red.Link.ViewsCount, red.Link.ExpiresAt)
				return nil
			})
		},
	}
}

func feedbackCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "feedback", Short: "Client feedback"}
	cmd.AddCommand(feedbackSubmitCmd())
	cmd.AddCommand(feedbackListCmd())
	return cmd
}

func feedbackSubmitCmd() *cobra.Command {
	var decision, notes, reviewer string
	var rating int
	cmd := &cobra.Command{
		Use:   "submit <token>",
		Short: "Approve or request a revision through a review link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.FeedbackOptions{
				Token:    args[0],
				Decision: domain.Decision(decision),
				Notes:    notes,
				Reviewer: reviewer,
			}
			if rating > 0 {
				opts.Rating = &rating
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fb, w, err := e.SubmitFeedback(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"feedback": fb, "work_item": w})
				}
				fmt.Printf("recorded %s\n", fb.Decision)
				return printWorkItem(w)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approved or revision_requested")
	cmd.Flags().IntVar(&rating, "rating", 0, "rating 1-5")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer name")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func feedbackListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <id>",
		Short: "List feedback on an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fb, err := e.ListFeedback(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(fb)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Reviewed", "Decision", "Rating", "Reviewer", "Notes"})
				for _, f := range fb {
					rating := ""
					if f.Rating != nil {
						rating = fmt.Sprintf("%d/5", *f.Rating)
					}
					tw.AppendRow(table.Row{f.ReviewedAt, f.Decision, rating, f.Reviewer, f.Notes})
				}
				tw.Render()
				return nil
			})
		},
	}
}
