package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"handoff/internal/app"
)

var rootCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Handoff CLI",
	Long: `Handoff coordinates a cloud agent that drafts work and a local agent that approves and executes it.
Core concepts:
- Vault: a shared directory tree (Needs_Action, In_Progress, Pending_Approval, Done, ...) replicated with git.
- Tasks: JSON items in Needs_Action/<domain>; an agent claims one by moving it into In_Progress/<agent>.
- Drafts: proposed actions that move Plans -> Pending_Approval -> Done; every step lands in the audit trail.
- Guard: the cloud role never touches secrets, credentials or banking paths and can never approve.
- Heartbeats and signals: liveness files and agent-to-agent messages with a TTL.
- Event log: every transition is recorded, view with 'handoff log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HANDOFF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent", "", "agent name (overrides config)")
	rootCmd.PersistentFlags().String("role", "", "agent role: cloud or local (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent", rootCmd.PersistentFlags().Lookup("agent"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(heartbeatCmd())
	rootCmd.AddCommand(msgCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(guardCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
}

// --- helpers ---

func overrides() app.Overrides {
	return app.Overrides{
		Agent:    viper.GetString("agent"),
		Role:     viper.GetString("role"),
		LogLevel: viper.GetString("log-level"),
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.ResolveConfig(workspace, overrides())
	if err != nil {
		return err
	}
	c, err := app.Open(ctx, workspace, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
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

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

// printResult prints ok as JSON or a one-line message.
func printResult(ok bool, msg string, extra map[string]any) error {
	if viper.GetBool("json") {
		out := map[string]any{"ok": ok}
		for k, v := range extra {
			out[k] = v
		}
		return printJSON(out)
	}
	fmt.Println(msg)
	return nil
}

func strOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
