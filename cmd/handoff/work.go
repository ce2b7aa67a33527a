package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"handoff/internal/app"
	"handoff/internal/domain"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage task items",
		Long:  "Tasks wait in Needs_Action/<domain>. Claiming moves one into In_Progress/<agent>; only one agent can win.",
	}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskReleaseCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskOwnerCmd())
	task.AddCommand(taskMineCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var item domain.TaskItem
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a new task item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				ref, err := c.Claims.Enqueue(ctx, item)
				if err != nil {
					return err
				}
				return printResult(true, ref, map[string]any{"ref": ref})
			})
		},
	}
	cmd.Flags().StringVar(&item.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&item.Domain, "domain", "", "domain (config default when empty)")
	cmd.Flags().StringVar(&item.Title, "title", "", "title")
	cmd.Flags().StringVar(&item.Body, "body", "", "body")
	cmd.Flags().Float64Var(&item.Amount, "amount", 0, "amount (accounting)")
	cmd.Flags().StringVar(&item.Category, "category", "", "category (accounting)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var dom string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unclaimed task refs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				refs, err := c.Claims.ListAvailable(dom)
				if err != nil {
					return err
				}
				return printRefs(c, refs)
			})
		},
	}
	cmd.Flags().StringVar(&dom, "domain", "", "domain filter")
	return cmd
}

func printRefs(c *app.Context, refs []string) error {
	if refs == nil {
		refs = []string{}
	}
	if viper.GetBool("json") {
		return printJSON(refs)
	}
	tw := newTable("Ref", "Domain", "Title")
	for _, ref := range refs {
		item, err := c.Claims.Load(ref)
		if err != nil {
			tw.AppendRow([]any{ref, "?", err.Error()})
			continue
		}
		tw.AppendRow([]any{ref, item.Domain, item.Title})
	}
	tw.Render()
	return nil
}

func taskClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <ref>",
		Short: "Claim a task for this agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if !c.Guard.CanAccess(args[0]) {
					return fmt.Errorf("%s is off limits for role %s", args[0], c.Guard.Role())
				}
				ok, err := c.Claims.Claim(ctx, args[0], c.Config.Agent.Name)
				if err != nil {
					return err
				}
				return printOutcome(ok, "claimed "+args[0], "not claimed: "+args[0]+" is gone or owned elsewhere")
			})
		},
	}
}

func taskReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <ref>",
		Short: "Return a claimed task to Needs_Action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				ok, err := c.Claims.Release(ctx, args[0], c.Config.Agent.Name)
				if err != nil {
					return err
				}
				return printOutcome(ok, "released "+args[0], "not released: this agent does not hold "+args[0])
			})
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <ref>",
		Short: "Archive a claimed task into Done/tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				ok, err := c.Claims.Complete(ctx, args[0], c.Config.Agent.Name)
				if err != nil {
					return err
				}
				return printOutcome(ok, "completed "+args[0], "not completed: this agent does not hold "+args[0])
			})
		},
	}
}

func taskOwnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "owner <ref>",
		Short: "Show which agent holds a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				owner, ok, err := c.Claims.Owner(args[0])
				if err != nil {
					return err
				}
				if !ok {
					return printResult(false, "unclaimed", map[string]any{"owner": nil})
				}
				return printResult(true, owner, map[string]any{"owner": owner})
			})
		},
	}
}

func taskMineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mine",
		Short: "List tasks this agent holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				refs, err := c.Claims.ListClaimedBy(c.Config.Agent.Name)
				if err != nil {
					return err
				}
				return printRefs(c, refs)
			})
		},
	}
}

func printOutcome(ok bool, yes, no string) error {
	if ok {
		return printResult(true, yes, nil)
	}
	return printResult(false, no, nil)
}

func draftCmd() *cobra.Command {
	draft := &cobra.Command{
		Use:   "draft",
		Short: "Manage drafts",
		Long:  "Drafts move Plans -> Pending_Approval -> Done. Only the local role may approve or reject.",
	}
	draft.AddCommand(draftCreateCmd())
	draft.AddCommand(draftSubmitCmd())
	draft.AddCommand(draftApproveCmd())
	draft.AddCommand(draftRejectCmd())
	draft.AddCommand(draftShowCmd())
	draft.AddCommand(draftPendingCmd())
	draft.AddCommand(draftAuditCmd())
	return draft
}

func draftCreateCmd() *cobra.Command {
	var dom, title, body string
	var submit bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft in Plans/<domain>",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if dom == "" {
					dom = c.Config.DefaultDomain()
				}
				d, err := c.Drafts.Create(ctx, dom, title, body, c.Config.Agent.Name)
				if err != nil {
					return err
				}
				if submit {
					if _, err := c.Drafts.SubmitForApproval(ctx, d.ID); err != nil {
						return err
					}
					if d, err = c.Drafts.Get(ctx, d.ID); err != nil {
						return err
					}
				}
				return printDraft(d)
			})
		},
	}
	cmd.Flags().StringVar(&dom, "domain", "", "domain")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&body, "body", "", "body")
	cmd.Flags().BoolVar(&submit, "submit", false, "submit for approval right away")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func draftSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a draft for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				ok, err := c.Drafts.SubmitForApproval(ctx, args[0])
				if err != nil {
					return err
				}
				return printOutcome(ok, "submitted "+args[0], "not submitted: "+args[0]+" is unknown or not a draft")
			})
		},
	}
}

func draftApproveCmd() *cobra.Command {
	var noExecute bool
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending draft and execute it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				if noExecute {
					d, err := c.Drafts.Approve(ctx, args[0], c.Config.Agent.Name)
					if err != nil {
						return err
					}
					return printDraft(d)
				}
				rec, err := c.Executor().Approve(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("%s %s: %s\n", rec.DraftID, rec.Status, rec.Details)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noExecute, "no-execute", false, "approve without running the domain action")
	return cmd
}

func draftRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				d, err := c.Executor().Reject(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printDraft(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the draft was rejected")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func draftShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a draft wherever it lives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				d, err := c.Drafts.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printDraft(d)
			})
		},
	}
}

func draftPendingCmd() *cobra.Command {
	var dom string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List drafts awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				items, err := c.Drafts.ListPending(ctx, dom)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Domain", "Title", "Author", "Updated")
				for _, d := range items {
					tw.AppendRow([]any{d.ID, d.Domain, d.Title, d.Author, d.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dom, "domain", "", "domain filter")
	return cmd
}

func draftAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <id>",
		Short: "Show a draft's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, c *app.Context) error {
				entries, err := c.Drafts.AuditTrail(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable("Action", "Agent", "Timestamp", "Reason")
				for _, e := range entries {
					tw.AppendRow([]any{e.Action, e.Actor, e.Timestamp, e.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printDraft(d domain.Draft) error {
	if viper.GetBool("json") {
		return printJSON(d)
	}
	fmt.Printf("%s [%s] %s/%s by %s\n", d.ID, d.DerivedStatus(), d.Domain, d.Title, d.Author)
	if d.Approver != nil {
		fmt.Printf("decided by %s\n", *d.Approver)
	}
	if d.RejectReason != nil {
		fmt.Printf("rejected: %s\n", *d.RejectReason)
	}
	if strings.TrimSpace(d.Body) != "" {
		fmt.Println()
		fmt.Println(d.Body)
	}
	return nil
}
