package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proofreel/internal/app"
	"proofreel/internal/domain"
	"proofreel/internal/engine"
	"proofreel/internal/media"
)

func uploadCmd() *cobra.Command {
	var title, notes, resume string
	cmd := &cobra.Command{
		Use:   "upload <id> <file>",
		Short: "Upload a file and record it as the item's next delivery",
		Long: `Files above upload.resumable_threshold are sent in upload.chunk_size chunks, each
retried on upload.retry_backoff. When a chunk keeps failing the session stays open;
rerun with --resume <session-id> to continue from the last committed byte.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			if title == "" {
				title = filepath.Base(args[1])
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				w, err := rt.Engine.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				if _, ok := engine.Next(w.Status, engine.ActionSubmit); !ok {
					return engine.TransitionError{WorkItemID: w.ID, From: w.Status, Action: "upload to"}
				}
				progress := newProgressPrinter(os.Stderr)
				var handle string
				if resume != "" {
					plan := media.Plan{
						Mode:      media.ModeResumable,
						SessionID: resume,
						Ref:       w.ID,
						Title:     title,
						Size:      info.Size(),
						ChunkSize: rt.Uploads.ChunkSize,
					}
					plan.Chunks = int((plan.Size + plan.ChunkSize - 1) / plan.ChunkSize)
					handle, err = rt.Uploads.Resume(ctx, &plan, f, progress.update)
				} else {
					var plan media.Plan
					plan, err = rt.Uploads.BeginUpload(ctx, info.Size(), title, w.ID)
					if err != nil {
						return err
					}
					fmt.Fprintf(os.Stderr, "uploading %s (%s, %s, %d chunks)\n", title, humanize.IBytes(uint64(info.Size())), plan.Mode, plan.Chunks)
					handle, err = rt.Uploads.Upload(ctx, &plan, f, progress.update)
				}
				progress.done()
				if err != nil {
					var ue *media.UploadError
					if errors.As(err, &ue) && ue.Resumable {
						return fmt.Errorf("%w\nresume with: reel upload %s %s --resume %s", err, args[0], args[1], ue.SessionID)
					}
					return err
				}
				d, w, err := rt.Engine.RecordDelivery(ctx, engine.DeliveryOptions{
					WorkItemID:  w.ID,
					Type:        domain.DeliveryFile,
					MediaHandle: handle,
					Notes:       notes,
					ActorID:     actorID(),
				})
				if err != nil {
					return fmt.Errorf("record delivery for media %s: %w", handle, err)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"delivery": d, "work_item": w})
				}
				fmt.Printf("recorded v%d (media %s)\n", d.VersionNumber, handle)
				return printWorkItem(w)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "asset title (default file name)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for reviewers")
	cmd.Flags().StringVar(&resume, "resume", "", "resume an interrupted upload session")
	return cmd
}

// progressPrinter redraws one line on a terminal and prints one line per
// chunk otherwise.
type progressPrinter struct {
	out      *os.File
	terminal bool
	drawn    bool
}

func newProgressPrinter(out *os.File) *progressPrinter {
	fd := out.Fd()
	return &progressPrinter{out: out, terminal: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)}
}

func (p *progressPrinter) update(pr media.Progress) {
	pct := float64(pr.Sent) / float64(max(pr.Total, 1)) * 100
	line := fmt.Sprintf("chunk %d/%d  %s / %s  %.0f%%", pr.Chunk, pr.Chunks,
		humanize.IBytes(uint64(pr.Sent)), humanize.IBytes(uint64(pr.Total)), pct)
	if p.terminal {
		fmt.Fprintf(p.out, "\r\033[K%s", line)
		p.drawn = true
		return
	}
	fmt.Fprintln(p.out, line)
}

func (p *progressPrinter) done() {
	if p.drawn {
		fmt.Fprintln(p.out)
		p.drawn = false
	}
}

func playbackCmd() *cobra.Command {
	var action string
	cmd := &cobra.Command{
		Use:   "playback <handle>",
		Short: "Resolve a preview or download URL for a media handle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				access, err := rt.Playback.Resolve(ctx, args[0], media.Action(action))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(access)
				}
				fmt.Println(access.URL)
				if access.ExpiresAt != nil {
					fmt.Fprintf(os.Stderr, "expires %s\n", humanize.Time(*access.ExpiresAt))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", string(media.ActionPreview), "preview or download")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Abort upload sessions older than upload.session_retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if list {
					sessions, err := rt.Media.Sessions(ctx)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(sessions)
					}
					tw := newTable()
					tw.AppendHeader(table.Row{"Session", "Title", "Progress", "Resumable", "Started"})
					for _, s := range sessions {
						tw.AppendRow(table.Row{s.ID, s.Title,
							humanize.IBytes(uint64(s.Offset)) + " / " + humanize.IBytes(uint64(s.Size)),
							s.Resumable, humanize.Time(s.CreatedAt)})
					}
					tw.Render()
					return nil
				}
				r := media.Reconciler{Host: rt.Media, Retention: rt.Config.SessionRetention(), Logger: rt.Logger}
				n, err := r.Sweep(ctx)
				if err != nil {
					return err
				}
				pruned, err := rt.PruneNotifications(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("aborted %d stale upload sessions, pruned %d notifications\n", n, pruned)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list open sessions instead of sweeping")
	return cmd
}
