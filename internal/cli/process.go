package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/scalytics/tellerline/internal/bus"
	"github.com/scalytics/tellerline/internal/config"
	"github.com/scalytics/tellerline/internal/supervisor"
)

var (
	processChannel   string
	processFrom      string
	processText      string
	processMessageID string
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one message through the pipeline and print the reply",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProcess(cmd.Context())
	},
}

func init() {
	processCmd.Flags().StringVar(&processChannel, "channel", "whatsapp", "Channel: whatsapp, voice or email")
	processCmd.Flags().StringVar(&processFrom, "from", "", "Sender address (phone number or email)")
	processCmd.Flags().StringVar(&processText, "text", "", "Message text")
	processCmd.Flags().StringVar(&processMessageID, "provider-message-id", "", "Provider message ID (reuse it to replay a message)")
	_ = processCmd.MarkFlagRequired("from")
	_ = processCmd.MarkFlagRequired("text")
}

func runProcess(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	channel := strings.ToLower(strings.TrimSpace(processChannel))

	var sent []*bus.OutboundMessage
	rt, err := buildRuntime(ctx, cfg, func(m *bus.OutboundMessage) { sent = append(sent, m) })
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.sup.Intake(ctx, &bus.InboundMessage{
		Channel:           channel,
		FromAddress:       processFrom,
		Provider:          "cli",
		ProviderMessageID: processMessageID,
		Text:              processText,
	})
	if err != nil {
		return err
	}
	printResult(res)
	if len(sent) == 0 && res.Delivered {
		fmt.Println(color.HiBlackString("(delivered through the %s gateway)", channel))
	}
	return nil
}

func printResult(res supervisor.Result) {
	printHeader("💬 Pipeline Result")
	label := color.New(color.FgHiBlack).SprintFunc()
	fmt.Printf("%s %s\n", label("Conversation:"), res.ConversationID)
	fmt.Printf("%s %s\n", label("Message:     "), res.MessageID)
	if res.Agent != "" {
		fmt.Printf("%s %s (%s)\n", label("Agent:       "), res.Agent, res.Intent)
	}
	fmt.Printf("%s %s\n", label("Disposition: "), dispositionColor(res.Disposition))
	if res.PendingAction != "" {
		fmt.Printf("%s %s\n", label("Pending:     "), res.PendingAction)
	}
	if res.CaseID != "" {
		fmt.Printf("%s %s\n", label("Fraud case:  "), res.CaseID)
	}
	if res.WasDuplicate {
		fmt.Println(color.YellowString("Duplicate message: reply was not sent again"))
	}
	for _, e := range res.Errors {
		fmt.Println(color.RedString("✗ %s", e.Error()))
	}
	fmt.Println()
	fmt.Println(res.Reply)
}

func dispositionColor(d supervisor.Disposition) string {
	switch d {
	case supervisor.DispositionEscalated:
		return color.RedString(string(d))
	case supervisor.DispositionVerificationRequested, supervisor.DispositionClarificationRequested:
		return color.YellowString(string(d))
	default:
		return color.GreenString(string(d))
	}
}
