package cli

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/scalytics/tellerline/internal/bus"
	"github.com/scalytics/tellerline/internal/config"
	"github.com/scalytics/tellerline/internal/supervisor"
)

func TestCommandTree(t *testing.T) {
	want := []string{"version", "serve", "process", "audit", "whatsapp"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("command %q not registered: %v", name, err)
		}
	}
	login, _, err := rootCmd.Find([]string{"whatsapp", "login"})
	if err != nil || login.Name() != "login" {
		t.Fatalf("whatsapp login not registered: %v", err)
	}
}

func TestSetupLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	setupLogging("debug")
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug level not enabled")
	}
	setupLogging("bogus")
	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("unknown level should fall back to info")
	}
}

func TestBuildRuntimeProcessesDemoMessage(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Paths.TimelineDB = filepath.Join(t.TempDir(), "data", "timeline.db")
	cfg.Banking.SeedDemo = true

	var sent []*bus.OutboundMessage
	ctx := context.Background()
	rt, err := buildRuntime(ctx, cfg, func(m *bus.OutboundMessage) { sent = append(sent, m) })
	if err != nil {
		t.Fatalf("build runtime: %v", err)
	}

	res, err := rt.sup.Intake(ctx, &bus.InboundMessage{
		Channel:           "whatsapp",
		FromAddress:       "+15550001111",
		Provider:          "cli",
		ProviderMessageID: "cli-1",
		Text:              "what's my balance?",
	})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	if res.Disposition != supervisor.DispositionVerificationRequested {
		t.Fatalf("disposition = %q, errors = %+v", res.Disposition, res.Errors)
	}
	if len(sent) != 1 || sent[0].Text != res.Reply {
		t.Fatalf("sent = %+v, reply = %q", sent, res.Reply)
	}

	rt.Close()

	// Seeding is idempotent across restarts.
	rt2, err := buildRuntime(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("rebuild runtime: %v", err)
	}
	rt2.Close()
}
