// Package config provides configuration types and loading for tellerline.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Gateway, Auth, Replies, Permissions, Support,
// Channels, Escalation, Audit, Inbound, Banking, Model, Delivery, Timeouts.
type Config struct {
	Paths       PathsConfig       `json:"paths"`
	Gateway     GatewayConfig     `json:"gateway"`
	Auth        AuthConfig        `json:"auth"`
	Replies     RepliesConfig     `json:"replies"`
	Permissions PermissionsConfig `json:"permissions"`
	Support     SupportConfig     `json:"support"`
	Channels    ChannelsConfig    `json:"channels"`
	Escalation  EscalationConfig  `json:"escalation"`
	Audit       AuditConfig       `json:"audit"`
	Inbound     InboundConfig     `json:"inbound"`
	Banking     BankingConfig     `json:"banking"`
	Model       ModelConfig       `json:"model"`
	Delivery    DeliveryConfig    `json:"delivery"`
	Timeouts    TimeoutsConfig    `json:"timeouts"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir    string `json:"dataDir" envconfig:"DATA_DIR"`
	TimelineDB string `json:"timelineDb" envconfig:"TIMELINE_DB"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP trigger surface
// ---------------------------------------------------------------------------

// GatewayConfig configures the HTTP intake server.
type GatewayConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
	Workers   int    `json:"workers" envconfig:"WORKERS"`
}

// ---------------------------------------------------------------------------
// Auth – step-up authentication
// ---------------------------------------------------------------------------

// AuthConfig configures conversation-scoped step-up sessions.
type AuthConfig struct {
	SessionTTLMinutes int    `json:"sessionTtlMinutes" envconfig:"SESSION_TTL_MINUTES"`
	CodeTTLMinutes    int    `json:"codeTtlMinutes" envconfig:"CODE_TTL_MINUTES"`
	MaxOTPAttempts    int    `json:"maxOtpAttempts" envconfig:"MAX_OTP_ATTEMPTS"`
	MaxKBAAttempts    int    `json:"maxKbaAttempts" envconfig:"MAX_KBA_ATTEMPTS"`
	CodeDelivery      string `json:"codeDelivery" envconfig:"CODE_DELIVERY"` // "email" or "log"
	Backend           string `json:"backend" envconfig:"BACKEND"`            // "sqlite" or "redis"
	RedisURL          string `json:"redisUrl" envconfig:"REDIS_URL"`
}

// SessionTTL is how long a verified session keeps its auth level.
func (c AuthConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// CodeTTL is how long a pending challenge accepts answers.
func (c AuthConfig) CodeTTL() time.Duration {
	return time.Duration(c.CodeTTLMinutes) * time.Minute
}

// ---------------------------------------------------------------------------
// Replies – per-channel rendering
// ---------------------------------------------------------------------------

// RepliesConfig configures the response formatter.
type RepliesConfig struct {
	MaxChars        ReplyCaps `json:"maxChars"`
	VoiceAck        string    `json:"voiceAck" envconfig:"VOICE_ACK"`
	RecentWindow    int       `json:"recentWindow" envconfig:"RECENT_WINDOW"`
	RedactionMarker string    `json:"redactionMarker" envconfig:"REDACTION_MARKER"`
}

// ReplyCaps holds the reply length budget per channel.
type ReplyCaps struct {
	WhatsApp int `json:"whatsapp" envconfig:"WHATSAPP_MAX_CHARS"`
	Voice    int `json:"voice" envconfig:"VOICE_MAX_CHARS"`
	Email    int `json:"email" envconfig:"EMAIL_MAX_CHARS"`
}

// For returns the cap for a channel, falling back to the WhatsApp cap.
func (c ReplyCaps) For(channel string) int {
	switch channel {
	case "voice":
		return c.Voice
	case "email":
		return c.Email
	default:
		return c.WhatsApp
	}
}

// ---------------------------------------------------------------------------
// Permissions – tool grants per turn
// ---------------------------------------------------------------------------

// PermissionsConfig lists the tool permissions granted per turn.
type PermissionsConfig struct {
	Defaults         []string `json:"defaults" envconfig:"DEFAULTS"`
	Verified         []string `json:"verified" envconfig:"VERIFIED"`
	ReadOnlyChannels []string `json:"readOnlyChannels" envconfig:"READ_ONLY_CHANNELS"`
}

// SupportConfig holds the human escalation line quoted in fallbacks.
type SupportConfig struct {
	HumanLine string `json:"humanLine" envconfig:"HUMAN_LINE"`
}

// ---------------------------------------------------------------------------
// Channels – outbound delivery gateways
// ---------------------------------------------------------------------------

// ChannelsConfig contains all delivery channel configurations.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Voice    VoiceConfig    `json:"voice"`
	Email    EmailConfig    `json:"email"`
}

// WhatsAppConfig configures the WhatsApp channel.
type WhatsAppConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"ENABLED"`
	SessionDB string `json:"sessionDb" envconfig:"SESSION_DB"`
	QRPath    string `json:"qrPath" envconfig:"QR_PATH"`
}

// VoiceConfig configures the voice control channel.
type VoiceConfig struct {
	Enabled    bool   `json:"enabled" envconfig:"ENABLED"`
	ControlURL string `json:"controlUrl" envconfig:"CONTROL_URL"`
	Token      string `json:"token" envconfig:"TOKEN"`
}

// EmailConfig configures SMTP delivery for replies and one-time codes.
type EmailConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"ENABLED"`
	Host     string `json:"host" envconfig:"SMTP_HOST"`
	Port     int    `json:"port" envconfig:"SMTP_PORT"`
	Username string `json:"username" envconfig:"SMTP_USERNAME"`
	Password string `json:"password" envconfig:"SMTP_PASSWORD"`
	From     string `json:"from" envconfig:"FROM"`
}

// EscalationConfig configures the human hand-off notifier.
type EscalationConfig struct {
	SlackEnabled bool   `json:"slackEnabled" envconfig:"SLACK_ENABLED"`
	SlackToken   string `json:"slackToken" envconfig:"SLACK_TOKEN"`
	SlackChannel string `json:"slackChannel" envconfig:"SLACK_CHANNEL"`
}

// AuditConfig configures audit fan-out.
type AuditConfig struct {
	KafkaEnabled bool     `json:"kafkaEnabled" envconfig:"KAFKA_ENABLED"`
	KafkaBrokers []string `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `json:"kafkaTopic" envconfig:"KAFKA_TOPIC"`
}

// InboundConfig configures the Kafka inbound trigger consumer.
type InboundConfig struct {
	KafkaEnabled bool     `json:"kafkaEnabled" envconfig:"KAFKA_ENABLED"`
	KafkaBrokers []string `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `json:"kafkaTopic" envconfig:"KAFKA_TOPIC"`
	KafkaGroupID string   `json:"kafkaGroupId" envconfig:"KAFKA_GROUP_ID"`
}

// BankingConfig selects the core-banking backend.
type BankingConfig struct {
	// DatabaseURL selects the Postgres core when set; otherwise the
	// timeline SQLite database carries the banking tables.
	DatabaseURL string `json:"databaseUrl" envconfig:"DATABASE_URL"`
	SeedDemo    bool   `json:"seedDemo" envconfig:"SEED_DEMO"`
	Currency    string `json:"currency" envconfig:"CURRENCY"`
}

// ---------------------------------------------------------------------------
// Model – completion service
// ---------------------------------------------------------------------------

// ModelConfig configures the OpenAI-compatible completion service.
type ModelConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"ENABLED"`
	Name      string `json:"name" envconfig:"MODEL"`
	APIKey    string `json:"apiKey" envconfig:"API_KEY"`
	APIBase   string `json:"apiBase" envconfig:"API_BASE"`
	MaxTokens int    `json:"maxTokens" envconfig:"MAX_TOKENS"`
}

// DeliveryConfig configures the outbound retry worker.
type DeliveryConfig struct {
	MaxAttempts     int `json:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	IntervalSeconds int `json:"intervalSeconds" envconfig:"INTERVAL_SECONDS"`
}

// TimeoutsConfig bounds every external call made by a pipeline stage.
type TimeoutsConfig struct {
	StageSeconds      int `json:"stageSeconds" envconfig:"STAGE_SECONDS"`
	CompletionSeconds int `json:"completionSeconds" envconfig:"COMPLETION_SECONDS"`
	SendSeconds       int `json:"sendSeconds" envconfig:"SEND_SECONDS"`
}

// Stage returns the per-stage deadline.
func (c TimeoutsConfig) Stage() time.Duration { return time.Duration(c.StageSeconds) * time.Second }

// Completion returns the completion-service deadline.
func (c TimeoutsConfig) Completion() time.Duration {
	return time.Duration(c.CompletionSeconds) * time.Second
}

// Send returns the delivery-gateway deadline.
func (c TimeoutsConfig) Send() time.Duration { return time.Duration(c.SendSeconds) * time.Second }

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.tellerline",
		},
		Gateway: GatewayConfig{
			Host:    "127.0.0.1",
			Port:    18810,
			Workers: 4,
		},
		Auth: AuthConfig{
			SessionTTLMinutes: 30,
			CodeTTLMinutes:    10,
			MaxOTPAttempts:    5,
			MaxKBAAttempts:    3,
			CodeDelivery:      "log",
			Backend:           "sqlite",
		},
		Replies: RepliesConfig{
			MaxChars: ReplyCaps{
				WhatsApp: 1000,
				Voice:    320,
				Email:    4000,
			},
			VoiceAck:        "Okay.",
			RecentWindow:    10,
			RedactionMarker: "[redacted]",
		},
		Permissions: PermissionsConfig{
			Defaults: []string{"kb_search"},
			Verified: []string{
				"read_balance", "read_transactions", "read_cards",
				"freeze_card", "create_fraud_case",
			},
			ReadOnlyChannels: []string{"voice"},
		},
		Support: SupportConfig{
			HumanLine: "1-800-555-0100",
		},
		Channels: ChannelsConfig{
			Email: EmailConfig{Port: 587},
		},
		Audit: AuditConfig{
			KafkaTopic: "tellerline.audit",
		},
		Inbound: InboundConfig{
			KafkaTopic:   "tellerline.inbound",
			KafkaGroupID: "tellerline",
		},
		Banking: BankingConfig{
			Currency: "USD",
		},
		Model: ModelConfig{
			Name:      "gpt-4o-mini",
			APIBase:   "https://api.openai.com/v1",
			MaxTokens: 400,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:     5,
			IntervalSeconds: 5,
		},
		Timeouts: TimeoutsConfig{
			StageSeconds:      10,
			CompletionSeconds: 8,
			SendSeconds:       10,
		},
	}
}
