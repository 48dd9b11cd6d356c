package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/scalytics/tellerline/internal/config"
	"github.com/scalytics/tellerline/internal/timeline"
)

var auditCmd = &cobra.Command{
	Use:   "audit <conversation-id>",
	Short: "Print the audit trail and policy decisions of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAudit(cmd.Context(), args[0])
	},
}

func runAudit(ctx context.Context, conversationID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	tl, err := timeline.NewTimelineService(cfg.Paths.TimelineDB)
	if err != nil {
		return err
	}
	defer tl.Close()

	conv, err := tl.GetConversation(ctx, conversationID)
	if errors.Is(err, timeline.ErrNotFound) {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	if err != nil {
		return err
	}
	events, err := tl.ListAudit(ctx, conversationID)
	if err != nil {
		return err
	}
	decisions, err := tl.ListPolicyDecisions(ctx, conversationID)
	if err != nil {
		return err
	}

	printHeader("🧾 Audit Trail")
	fmt.Printf("Conversation %s  channel=%s  status=%s\n\n", conv.ID, conv.Channel, conv.Status)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tMESSAGE\tACTOR\tEVENT\tOK\tCODE")
	for _, e := range events {
		ok := color.GreenString("✓")
		if !e.Success {
			ok = color.RedString("✗")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format("15:04:05.000"), e.MessageID, e.ActorType, e.EventType, ok, e.ErrorCode)
	}
	_ = w.Flush()

	if len(decisions) == 0 {
		return nil
	}
	fmt.Println()
	printHeader("🛡️ Policy Decisions")
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTOOL\tTIER\tAUTH\tALLOWED\tCODE\tREASON")
	for _, d := range decisions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\t%s\t%s\n",
			d.CreatedAt.Format("15:04:05.000"), d.Tool, d.Tier, d.AuthLevel, d.Allowed, d.Code, d.Reason)
	}
	return w.Flush()
}
