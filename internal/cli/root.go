package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/scalytics/tellerline/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _       _ _           _ _\n" +
		" | |_ ___| | |___ _ _  | (_)_ _  ___\n" +
		" |  _/ -_) | / -_) '_| | | | ' \\/ -_)\n" +
		"  \\__\\___|_|_\\___|_|   |_|_|_||_\\___|\n"

	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "tellerline",
	Short: "tellerline - banking conversation supervisor",
	Long:  color.CyanString(logo) + "\nRuns customer messages from WhatsApp, voice and email through a verified, audited reply pipeline.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(logLevel)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ tellerline Version")
		fmt.Printf("Version: %s\n", version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(whatsappCmd)
}

func printHeader(title string) {
	fmt.Println(color.New(color.FgCyan, color.Bold).Sprint(title))
	fmt.Println(color.HiBlackString(strings.Repeat("─", 40)))
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}
