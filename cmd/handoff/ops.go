package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"handoff/internal/app"
	"handoff/internal/config"
	"handoff/internal/domain"
	"handoff/internal/server"
	"handoff/internal/signals"
)

func heartbeatCmd() *cobra.Command {
	hb := &cobra.Command{Use: "heartbeat", Short: "Agent liveness"}
	beat := &cobra.Command{
		Use:   "beat",
		Short: "Write this agent's heartbeat once",
		RunE: func(cmd *cobra.Command, args []string) error {
			task, _ := cmd.Flags().GetString("task")
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if err := c.Heartbeat.Beat(task); err != nil {
					return err
				}
				return printJSONOrTable(c.Heartbeat.Status(c.Config.Agent.Name))
			})
		},
	}
	beat.Flags().String("task", "", "task currently being worked on")
	hb.AddCommand(beat)
	hb.AddCommand(&cobra.Command{
		Use:   "status [agent]",
		Short: "Show one agent's heartbeat",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				agent := c.Config.Agent.Name
				if len(args) == 1 {
					agent = args[0]
				}
				return printJSONOrTable(c.Heartbeat.Status(agent))
			})
		},
	})
	hb.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every heartbeat",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				all, err := c.Heartbeat.All()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(all)
				}
				tw := newTable("Agent", "Status", "Task", "Timestamp")
				for _, h := range all {
					tw.AppendRow([]any{h.AgentName, h.Status, strOrDash(h.CurrentTask), strOrDash(h.Timestamp)})
				}
				tw.Render()
				return nil
			})
		},
	})
	hb.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Health summary per agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				summary, err := c.Heartbeat.Summary()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				names := make([]string, 0, len(summary))
				for name := range summary {
					names = append(names, name)
				}
				sort.Strings(names)
				tw := newTable("Agent", "Status", "Healthy", "Age (s)", "Task")
				for _, name := range names {
					h := summary[name]
					age := "-"
					if h.AgeSeconds != nil {
						age = fmt.Sprintf("%.1f", *h.AgeSeconds)
					}
					tw.AppendRow([]any{name, h.Status, h.Healthy, age, strOrDash(h.CurrentTask)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return hb
}

func msgCmd() *cobra.Command {
	msg := &cobra.Command{Use: "msg", Short: "Agent-to-agent messages"}
	msg.AddCommand(msgSendCmd())
	recv := &cobra.Command{
		Use:   "recv",
		Short: "Read this agent's inbox without acknowledging",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				envs, err := c.Transport.Receive(ctx, c.Config.Agent.Name, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(envs)
				}
				tw := newTable("ID", "From", "Type", "Timestamp", "Payload")
				for _, e := range envs {
					payload, _ := json.Marshal(e.Payload)
					tw.AppendRow([]any{e.ID, e.Sender, e.Type, e.Timestamp, string(payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	recv.Flags().Int("limit", signals.DefaultReceiveLimit, "maximum messages")
	msg.AddCommand(recv)
	msg.AddCommand(&cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge (delete) a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				ok, err := c.Transport.Acknowledge(ctx, args[0])
				if err != nil {
					return err
				}
				return printOutcome(ok, "acknowledged "+args[0], "no such message "+args[0])
			})
		},
	})
	msg.AddCommand(&cobra.Command{
		Use:   "count [agent]",
		Short: "Count unexpired messages in an inbox",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				agent := c.Config.Agent.Name
				if len(args) == 1 {
					agent = args[0]
				}
				n, err := c.Transport.PendingCount(ctx, agent)
				if err != nil {
					return err
				}
				return printResult(true, fmt.Sprintf("%d", n), map[string]any{"agent": agent, "pending": n})
			})
		},
	})
	msg.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired messages from every inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				n, err := c.Transport.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				return printResult(true, fmt.Sprintf("removed %d expired messages", n), map[string]any{"removed": n})
			})
		},
	})
	return msg
}

func msgSendCmd() *cobra.Command {
	var to, msgType, data, correlation string
	var ttl int
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to another agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					return fmt.Errorf("--payload must be a JSON object: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				env := signals.NewEnvelope(c.Config.Agent.Name, to, msgType, payload)
				if correlation != "" {
					env.CorrelationID = &correlation
				}
				env.TTLSeconds = ttl
				if !cmd.Flags().Changed("ttl") {
					env.TTLSeconds = c.Config.Signals.TTLSeconds
				}
				if err := c.Transport.Send(ctx, env); err != nil {
					return err
				}
				return printResult(true, env.ID, map[string]any{"message_id": env.ID})
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient agent")
	cmd.Flags().StringVar(&msgType, "type", domain.MessageRequest, "request, response or notification")
	cmd.Flags().StringVar(&data, "payload", "", "JSON object payload")
	cmd.Flags().StringVar(&correlation, "correlation-id", "", "id of the message this answers")
	cmd.Flags().IntVar(&ttl, "ttl", domain.DefaultTTLSeconds, "seconds before the message expires")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func syncCmd() *cobra.Command {
	sc := &cobra.Command{
		Use:   "sync",
		Short: "Replicate the vault with git",
		Long:  "Only allow-listed, non-secret files are ever staged. Pull conflicts are reported, not resolved automatically.",
	}
	var message string
	printSync := func(r domain.SyncResult) error {
		if viper.GetBool("json") {
			return printJSON(r)
		}
		fmt.Printf("%s: %s\n", r.Status, r.Message)
		for _, f := range r.FilesChanged {
			fmt.Println("  " + f)
		}
		if !r.Success {
			return errors.New("sync " + r.Status)
		}
		return nil
	}
	sc.AddCommand(&cobra.Command{
		Use:   "pull",
		Short: "Pull remote changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				return printSync(c.Syncer.Pull(ctx))
			})
		},
	})
	push := &cobra.Command{
		Use:   "push",
		Short: "Commit and push allowed local changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				return printSync(c.Syncer.Push(ctx, message))
			})
		},
	}
	push.Flags().StringVarP(&message, "message", "m", "Vault sync", "commit message")
	sc.AddCommand(push)
	run := &cobra.Command{
		Use:   "run",
		Short: "Pull then push",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				return printSync(c.Syncer.Sync(ctx, message))
			})
		},
	}
	run.Flags().StringVarP(&message, "message", "m", "Vault sync", "commit message")
	sc.AddCommand(run)
	sc.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show modified and untracked files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				st, err := c.Syncer.Status(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	})
	sc.AddCommand(&cobra.Command{
		Use:   "conflicts",
		Short: "List files with unresolved conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				return printJSONOrTable(c.Syncer.Conflicts(ctx))
			})
		},
	})
	resolve := &cobra.Command{
		Use:   "resolve <file>",
		Short: "Resolve a conflict with ours or theirs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, _ := cmd.Flags().GetString("strategy")
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				ok := c.Syncer.ResolveConflict(ctx, args[0], strategy)
				return printOutcome(ok, "resolved "+args[0]+" with "+strategy, "could not resolve "+args[0])
			})
		},
	}
	resolve.Flags().String("strategy", "ours", "ours or theirs")
	sc.AddCommand(resolve)
	logc := &cobra.Command{
		Use:   "log",
		Short: "Show this process's recent sync operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				// The in-memory ring only covers this process; the event log keeps the history.
				events := c.Syncer.Log(limit)
				if len(events) == 0 {
					return printEvents(ctx, c, "sync", limit)
				}
				return printJSONOrTable(events)
			})
		},
	}
	logc.Flags().Int("limit", 20, "number of entries")
	sc.AddCommand(logc)
	sc.AddCommand(&cobra.Command{
		Use:   "daemon",
		Short: "Run a sync cycle every sync.interval_seconds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				return c.SyncDaemon().Run(ctx)
			})
		},
	})
	return sc
}

func printEvents(ctx context.Context, c *app.Context, entityKind string, limit int) error {
	events, err := c.Repo.LatestEvents(ctx, limit, 0, repoFilter(entityKind))
	if err != nil {
		return err
	}
	return printJSONOrTable(events)
}

func guardCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "guard",
		Short: "Secret boundary checks",
		Long:  "The cloud role is denied any path matching the blocked patterns; the local role is allowed everything.",
	}
	g.AddCommand(&cobra.Command{
		Use:   "check <path>...",
		Short: "Check whether this role may access paths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				results := map[string]bool{}
				for _, p := range args {
					results[p] = c.Guard.CanAccess(p)
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := newTable("Path", "Allowed")
				for _, p := range args {
					tw.AppendRow([]any{p, results[p]})
				}
				tw.Render()
				return nil
			})
		},
	})
	g.AddCommand(&cobra.Command{
		Use:   "validate <path>...",
		Short: "Filter paths down to those this role may sync",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				return printJSONOrTable(c.Syncer.ValidateSyncFiles(args))
			})
		},
	})
	g.AddCommand(&cobra.Command{
		Use:   "patterns",
		Short: "List the blocked patterns for this role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				return printJSONOrTable(c.Guard.BlockedPatterns())
			})
		},
	})
	return g
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{Use: "agent", Short: "Run the producer or executor loop"}
	var once bool
	producer := &cobra.Command{
		Use:   "producer",
		Short: "Claim tasks, draft them and submit for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				p := c.Producer()
				if once {
					ids, err := p.RunOnce(ctx)
					if err != nil {
						return err
					}
					return printResult(true, fmt.Sprintf("submitted %d drafts", len(ids)), map[string]any{"drafts": ids})
				}
				return p.Run(ctx, c.LoopOptions(p.WatchDirs()))
			})
		},
	}
	producer.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	executor := &cobra.Command{
		Use:   "executor",
		Short: "Review pending drafts, execute approved ones and render the dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				e := c.Executor()
				if once {
					pass, err := e.RunOnce(ctx)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(pass)
					}
					fmt.Printf("%d messages, %d pending, %d executed\n", len(pass.Messages), len(pass.Pending), len(pass.Executed))
					return nil
				}
				return e.Run(ctx, c.LoopOptions(e.WatchDirs()))
			})
		},
	}
	executor.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	a.AddCommand(producer, executor)
	return a
}

func healthCmd() *cobra.Command {
	h := &cobra.Command{Use: "health", Short: "System health"}
	var every time.Duration
	check := &cobra.Command{
		Use:   "check",
		Short: "Check heartbeats and sync, open alerts for unhealthy agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				m := c.Health()
				for {
					st, err := m.Run(ctx)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						if err := printJSON(st); err != nil {
							return err
						}
					} else {
						tw := newTable("Check", "Target", "Healthy", "Message")
						for _, ch := range st.Checks {
							tw.AppendRow([]any{ch.Name, ch.Target, ch.Healthy, ch.Message})
						}
						tw.Render()
						for _, a := range st.Alerts {
							fmt.Println(a)
						}
					}
					if every <= 0 {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(every):
					}
				}
			})
		},
	}
	check.Flags().DurationVar(&every, "every", 0, "repeat the check at this interval")
	h.AddCommand(check)
	return h
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the approval HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("HANDOFF_JWT_SECRET is required for bearer auth")
			}
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if addr == "" {
					addr = c.Config.Server.Addr
				}
				if basePath == "" {
					basePath = c.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Executor:  c.Executor(),
					Claims:    c.Claims,
					Heartbeat: c.Heartbeat,
					Repo:      c.Repo,
					BasePath:  basePath,
					Auth:      server.AuthConfig{JWTSecret: secret},
					Logger:    c.Logger.With("component", "server"),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Handoff API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (server.addr when empty)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (server.base_path when empty)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret (or HANDOFF_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("HANDOFF_JWT_SECRET is required to sign tokens")
			}
			if role != config.RoleCloud && role != config.RoleLocal {
				return fmt.Errorf("--role must be %s or %s", config.RoleCloud, config.RoleLocal)
			}
			token, err := server.SignToken(secret, subject, role, ttl)
			if err != nil {
				return err
			}
			return printResult(true, token, map[string]any{"token": token})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor the token identifies")
	cmd.Flags().StringVar(&role, "as", config.RoleLocal, "role claim: cloud or local")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 never expires)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
