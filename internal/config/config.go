package config

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Duration accepts a bare number of seconds ("3", "0.5") or a Go duration
// string ("3s", "250ms").
type Duration time.Duration

func (d *Duration) Decode(v string) error {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration %q", v)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Addr          string `envconfig:"APP_ADDR" default:":8080"`
	DataDir       string `envconfig:"APP_DATA_DIR" default:"./data"`
	DBPath        string `envconfig:"APP_DB_PATH"`
	RetentionDays int    `envconfig:"APP_RETENTION_DAYS" default:"14"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	BrokerURL       string `envconfig:"BROKER_URL"`
	BrokerHost      string `envconfig:"BROKER_HOST" default:"localhost"`
	BrokerPort      int    `envconfig:"BROKER_PORT" default:"4222"`
	BrokerUsername  string `envconfig:"BROKER_USERNAME"`
	BrokerPassword  string `envconfig:"BROKER_PASSWORD"`
	BrokerClientID  string `envconfig:"BROKER_CLIENT_ID" default:"linewatch"`
	BrokerNamespace string `envconfig:"BROKER_NAMESPACE" default:"factory"`
	BrokerSubject   string `envconfig:"BROKER_SUBJECT"`

	Workers            int      `envconfig:"WORKER_COUNT" default:"4"`
	BatchSize          int      `envconfig:"WORKER_BATCH_SIZE" default:"50"`
	TaskQueueSize      int      `envconfig:"TASK_QUEUE_SIZE" default:"10000"`
	BroadcastQueueSize int      `envconfig:"BROADCAST_QUEUE_SIZE" default:"10000"`
	PollInterval       Duration `envconfig:"WORKER_POLL_INTERVAL" default:"5"`
	CooperativeGrace   Duration `envconfig:"SHUTDOWN_COOPERATIVE_GRACE" default:"3"`
	TerminateGrace     Duration `envconfig:"SHUTDOWN_TERMINATE_GRACE" default:"2"`
	StartupTimeout     Duration `envconfig:"STARTUP_TIMEOUT" default:"10"`

	AlarmRulesFile   string `envconfig:"ALARM_RULES_FILE"`
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `envconfig:"TELEGRAM_CHAT_ID"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "linewatch.db")
	}
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "nats://" + net.JoinHostPort(cfg.BrokerHost, strconv.Itoa(cfg.BrokerPort))
	}
	if cfg.BrokerSubject == "" {
		cfg.BrokerSubject = SensorSubject(cfg.BrokerNamespace, "*")
	}
	if cfg.Workers <= 0 {
		return Config{}, fmt.Errorf("WORKER_COUNT must be positive, got %d", cfg.Workers)
	}
	if cfg.TaskQueueSize <= 0 || cfg.BroadcastQueueSize <= 0 {
		return Config{}, fmt.Errorf("queue sizes must be positive")
	}
	return cfg, nil
}

// SensorSubject builds the subject a line publishes its readings on. Pass
// "*" as line to get the subscription pattern.
func SensorSubject(namespace, line string) string {
	return namespace + ".sensors." + line + ".data"
}

// RedactedBrokerURL returns BrokerURL fit for logs: passwords are masked and
// a bare token in the user position is replaced. BrokerURL may list several
// servers separated by commas.
func (c Config) RedactedBrokerURL() string {
	servers := strings.Split(c.BrokerURL, ",")
	for i, s := range servers {
		servers[i] = redactURL(strings.TrimSpace(s))
	}
	return strings.Join(servers, ",")
}

func redactURL(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return "<unparseable>"
	}
	if u.User == nil {
		return s
	}
	if _, ok := u.User.Password(); ok {
		return u.Redacted()
	}
	u.User = url.User("xxxxx")
	return u.String()
}
