package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"proofreel/internal/app"
	"proofreel/internal/config"
	"proofreel/internal/domain"
	"proofreel/internal/feed"
	"proofreel/internal/logging"
	"proofreel/internal/media"
	"proofreel/internal/repo"
	"proofreel/internal/server"
)

const pruneInterval = time.Hour

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, change feed and background sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			lock, err := app.LockServer(workspace)
			if err != nil {
				return err
			}
			defer lock.Unlock()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rt, err := app.Open(ctx, app.Options{Workspace: workspace})
			if err != nil {
				return err
			}
			defer rt.Close()
			cfg := rt.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}

			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				AllowActorHeader: allowActorHeader,
				Logger:           rt.Logger,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("PROOFREEL_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			changes := feed.New(rt.Engine.Repo, nil, feed.Options{
				Interval: cfg.FeedPollInterval(),
				Buffer:   cfg.Feed.Buffer,
				Logger:   rt.Logger.With(logging.FieldComponent, "feed"),
			})
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				Media:    rt.Media,
				Uploads:  rt.Uploads,
				Playback: rt.Playback,
				Feed:     changes,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   rt.Logger.With(logging.FieldComponent, "http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			reconciler := media.Reconciler{
				Host:      rt.Media,
				Retention: cfg.SessionRetention(),
				Logger:    rt.Logger.With(logging.FieldComponent, "reconcile"),
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				rt.Logger.Info("serving proofreel API", "addr", addr, "base_path", basePath, "public_url", cfg.Server.PublicURL)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return changes.Run(gctx) })
			g.Go(func() error { return reconciler.Run(gctx, cfg.ReconcileInterval()) })
			g.Go(func() error {
				ticker := time.NewTicker(pruneInterval)
				defer ticker.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-ticker.C:
						if n, err := rt.PruneNotifications(gctx); err != nil {
							rt.Logger.Warn("prune notifications", "error", err)
						} else if n > 0 {
							rt.Logger.Info("pruned notifications", "count", n)
						}
					}
				}
			})
			fmt.Printf("Serving proofreel API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local use only)")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	cmd.AddCommand(logFollowCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.WorkItemID, "item", "", "work item id")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func logFollowCmd() *cobra.Command {
	var filter feed.Filter
	var since int64
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Stream events as they are written",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				changes := feed.New(rt.Engine.Repo, nil, feed.Options{
					Interval: rt.Config.FeedPollInterval(),
					Buffer:   rt.Config.Feed.Buffer,
					Logger:   rt.Logger,
				})
				sub, err := changes.Subscribe(ctx, actorID(), filter, since)
				if err != nil {
					return err
				}
				go changes.Run(ctx)
				for evt := range sub.Events() {
					if viper.GetBool("json") {
						if err := printJSON(evt); err != nil {
							return err
						}
						continue
					}
					fmt.Printf("%d  %s  %-22s %s %s:%s by %s\n", evt.ID, evt.TS, evt.Type, evt.WorkItemID, evt.EntityKind, evt.EntityID, evt.ActorID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter.WorkItemID, "item", "", "work item id")
	cmd.Flags().StringSliceVar(&filter.EntityKinds, "entity-kind", nil, "entity kinds")
	cmd.Flags().StringSliceVar(&filter.Types, "type", nil, "event types")
	cmd.Flags().Int64Var(&since, "since", -1, "replay events after this id (default: only new events)")
	return cmd
}

func notifyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "notify", Short: "Notification dispatch log"}
	var target string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications sent to a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				target = actorID()
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListNotifications(ctx, target, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Created", "Type", "Status", "Attempts", "Work item", "Error"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.CreatedAt, n.Type, n.Status, n.Attempts, n.Metadata["work_item_id"], n.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&target, "target", "", "target id (default --actor-id)")
	list.Flags().IntVar(&limit, "limit", 50, "max notifications")
	cmd.AddCommand(list)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	var roles []string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint <actor-id>",
		Short: "Sign a bearer token with PROOFREEL_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("PROOFREEL_JWT_SECRET is not set")
			}
			tok, err := server.SignToken(secret, args[0], roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	mint.Flags().StringSliceVar(&roles, "role", nil, "roles to embed")
	mint.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.AddCommand(mint)
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys"}
	var name string
	var roles []string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Create an API key; it is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				for _, role := range roles {
					if _, ok := rt.Config.RBAC.Roles[role]; !ok {
						return fmt.Errorf("unknown role %q", role)
					}
				}
				raw, err := server.NewAPIKey()
				if err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   args[0],
					Name:      name,
					Roles:     roles,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: domain.FormatTime(time.Now()),
				}
				if err := rt.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": raw})
				}
				fmt.Printf("%s\n(id %s; store it now, it cannot be shown again)\n", raw, key.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key name")
	create.Flags().StringSliceVar(&roles, "role", nil, "roles granted to the key")

	var actor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Roles", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Roles, ","), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&actor, "actor", "", "actor filter")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration (proofreel.yml)"}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default proofreel.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate proofreel.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	cmd.AddCommand(show, initCmd, validate)
	return cmd
}
