package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/scalytics/tellerline/internal/bus"
	"github.com/scalytics/tellerline/internal/channels"
	"github.com/scalytics/tellerline/internal/config"
)

var whatsappCmd = &cobra.Command{
	Use:   "whatsapp",
	Short: "Manage the WhatsApp device session",
}

var whatsappLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Pair this service with a WhatsApp account via QR code",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWhatsAppLogin()
	},
}

func init() {
	whatsappCmd.AddCommand(whatsappLoginCmd)
}

func runWhatsAppLogin() error {
	printHeader("📱 WhatsApp Login")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Channels.WhatsApp.SessionDB), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	wa := channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, bus.NewMessageBus())
	defer func() { _ = wa.Stop() }()
	err = wa.Login(ctx, func(path string) {
		fmt.Printf("Scan the QR code in %s with WhatsApp (Linked devices)\n", color.CyanString(path))
	})
	if err != nil {
		return err
	}
	fmt.Println(color.GreenString("✓ WhatsApp paired. Set channels.whatsapp.enabled to true and run `tellerline serve`."))
	return nil
}
