package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env             string        `mapstructure:"ENV"`
	Port            string        `mapstructure:"PORT"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	RedisAddr       string        `mapstructure:"REDIS_ADDR"`
	RedisPassword   string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB         int           `mapstructure:"REDIS_DB"`
	AdminKey        string        `mapstructure:"ADMIN_KEY"`
	AIURL           string        `mapstructure:"AI_URL"`
	OpenAIKey       string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL   string        `mapstructure:"OPENAI_BASE_URL"`
	OpenAIModel     string        `mapstructure:"OPENAI_MODEL"`
	OpenAISearch    string        `mapstructure:"OPENAI_SEARCH_MODEL"`
	CORSAllowed     string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	MaxUploadSizeMB int64         `mapstructure:"MAX_UPLOAD_MB"`
	StaffFile       string        `mapstructure:"STAFF_FILE"`

	TriageSchedule    string        `mapstructure:"TRIAGE_SCHEDULE"`
	LifecycleSchedule string        `mapstructure:"LIFECYCLE_SCHEDULE"`
	ClassifyTimeout   time.Duration `mapstructure:"CLASSIFY_TIMEOUT"`
	GenerateTimeout   time.Duration `mapstructure:"GENERATE_TIMEOUT"`
	EffectTimeout     time.Duration `mapstructure:"EFFECT_TIMEOUT"`
	StaleAfter        time.Duration `mapstructure:"PROCESSING_STALE_AFTER"`
	TriageWorkers     int           `mapstructure:"TRIAGE_WORKERS"`
	FallbackTemplates bool          `mapstructure:"LIFECYCLE_FALLBACK_TEMPLATES"`

	SlackToken     string `mapstructure:"SLACK_BOT_TOKEN"`
	SlackChannel   string `mapstructure:"SLACK_CHANNEL"`
	SMTPAddr       string `mapstructure:"SMTP_ADDR"`
	SMTPUsername   string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword   string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom       string `mapstructure:"SMTP_FROM"`
	AlertRecipient string `mapstructure:"ALERT_RECIPIENT"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("MAX_UPLOAD_MB", 20)
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("OPENAI_SEARCH_MODEL", "gpt-4o-mini-search-preview")

	v.SetDefault("TRIAGE_SCHEDULE", "@every 5s")
	v.SetDefault("LIFECYCLE_SCHEDULE", "@every 1m")
	v.SetDefault("CLASSIFY_TIMEOUT", "30s")
	v.SetDefault("GENERATE_TIMEOUT", "30s")
	v.SetDefault("EFFECT_TIMEOUT", "10s")
	v.SetDefault("PROCESSING_STALE_AFTER", "10m")
	v.SetDefault("TRIAGE_WORKERS", 4)
	v.SetDefault("LIFECYCLE_FALLBACK_TEMPLATES", false)

	v.SetDefault("SLACK_CHANNEL", "#airbnb-staff")
	v.SetDefault("ALERT_RECIPIENT", "management@airbnb-assist.com")

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{
		"DATABASE_URL", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "ADMIN_KEY", "AI_URL",
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "STAFF_FILE", "SLACK_BOT_TOKEN",
		"SMTP_ADDR", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
	} {
		_ = v.BindEnv(key)
	}
}
