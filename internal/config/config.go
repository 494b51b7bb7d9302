package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Charancs/v-try-on-FP2/internal/backend"
	"github.com/Charancs/v-try-on-FP2/internal/framing"
	"github.com/Charancs/v-try-on-FP2/internal/retry"
)

type AppConfig struct {
	Port            int             `yaml:"port"`
	MetricsAddr     string          `yaml:"metrics_addr"`
	MaxMessageBytes int64           `yaml:"max_message_bytes"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	FrameDataURI    bool            `yaml:"frame_data_uri"`
	CatalogFile     string          `yaml:"catalog_file"`
	AssetDir        string          `yaml:"asset_dir"`
	RedisAddr       string          `yaml:"redis_addr"`
	EventsEndpoint  string          `yaml:"events_endpoint"`
	MQTTBroker      string          `yaml:"mqtt_broker"`
	MQTTTopic       string          `yaml:"mqtt_topic"`
	RawLogEnabled   bool            `yaml:"raw_log"`
	RawLogDir       string          `yaml:"raw_log_dir"`
	OutputDir       string          `yaml:"output_dir"`
	LogLevel        string          `yaml:"log_level"`
	ProbeInterval   time.Duration   `yaml:"probe_interval"`
	StatsInterval   time.Duration   `yaml:"stats_interval"`
	Backend         BackendConfig   `yaml:"backend"`
	SSH             SSHConfig       `yaml:"ssh"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
	Producer        ProducerConfig  `yaml:"producer"`

	ConfigFile string `yaml:"-"`
}

type BackendConfig struct {
	Addr          string        `yaml:"addr"`
	Framing       string        `yaml:"framing"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxReplyBytes uint64        `yaml:"max_reply_bytes"`
	MaxSkipped    int           `yaml:"max_skipped"`
}

type SSHConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	User          string        `yaml:"user"`
	KeyPath       string        `yaml:"key_path"`
	UseAgent      bool          `yaml:"use_agent"`
	StrictHostKey bool          `yaml:"strict_host_key"`
	KnownHosts    string        `yaml:"known_hosts"`
	Timeout       time.Duration `yaml:"timeout"`
}

type ReconnectConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type ProducerConfig struct {
	Source     string  `yaml:"source"`
	Dir        string  `yaml:"dir"`
	RawLogPath string  `yaml:"rawlog_path"`
	Endpoint   string  `yaml:"endpoint"`
	Rate       float64 `yaml:"rate"`
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	Garment    int     `yaml:"garment"`
	TUI        bool    `yaml:"tui"`
	OutDir     string  `yaml:"out_dir"`
	MaxFrames  int     `yaml:"max_frames"`
}

const (
	SourceSynthetic = "synthetic"
	SourceDir       = "dir"
	SourceRawLog    = "rawlog"
	SourceZMQ       = "zmq"
)

// Default returns the built-in configuration.
func Default() AppConfig {
	return AppConfig{
		Port:            8765,
		MaxMessageBytes: 10 << 20,
		FrameDataURI:    true,
		RawLogDir:       "rawlog",
		LogLevel:        "info",
		ProbeInterval:   5 * time.Second,
		StatsInterval:   30 * time.Second,
		MQTTTopic:       "tryon/events",
		Backend: BackendConfig{
			Addr:          "127.0.0.1:9999",
			Framing:       "legacy",
			DialTimeout:   backend.DefaultDialTimeout,
			ReadTimeout:   backend.DefaultReadTimeout,
			WriteTimeout:  backend.DefaultWriteTimeout,
			MaxReplyBytes: backend.DefaultMaxReplyBytes,
			MaxSkipped:    backend.DefaultMaxSkipped,
		},
		SSH: SSHConfig{Port: 22, Timeout: 15 * time.Second},
		Reconnect: ReconnectConfig{
			MaxAttempts:  1,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
		Producer: ProducerConfig{
			Source: SourceSynthetic,
			Rate:   30,
			Width:  640,
			Height: 480,
		},
	}
}

// LoadFile overlays the YAML file at path onto c.
func (c *AppConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	c.ConfigFile = path
	return nil
}

// ApplyEnv overlays TRYON_* environment variables onto c. Unparseable
// values are reported together.
func (c *AppConfig) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup("TRYON_" + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup("TRYON_" + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("TRYON_%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup("TRYON_" + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("TRYON_%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup("TRYON_" + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("TRYON_%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	num("PORT", &c.Port)
	str("METRICS_ADDR", &c.MetricsAddr)
	if v, ok := lookup("TRYON_MAX_MESSAGE_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("TRYON_MAX_MESSAGE_BYTES: %w", err))
		} else {
			c.MaxMessageBytes = n
		}
	}
	if v, ok := lookup("TRYON_ALLOWED_ORIGINS"); ok {
		c.AllowedOrigins = splitComma(v)
	}
	boolean("FRAME_DATA_URI", &c.FrameDataURI)
	str("CATALOG_FILE", &c.CatalogFile)
	str("ASSET_DIR", &c.AssetDir)
	str("REDIS_ADDR", &c.RedisAddr)
	str("EVENTS_ENDPOINT", &c.EventsEndpoint)
	str("MQTT_BROKER", &c.MQTTBroker)
	str("MQTT_TOPIC", &c.MQTTTopic)
	boolean("RAW_LOG", &c.RawLogEnabled)
	str("RAW_LOG_DIR", &c.RawLogDir)
	str("OUTPUT_DIR", &c.OutputDir)
	str("LOG_LEVEL", &c.LogLevel)
	dur("PROBE_INTERVAL", &c.ProbeInterval)
	dur("STATS_INTERVAL", &c.StatsInterval)

	str("BACKEND_ADDR", &c.Backend.Addr)
	str("BACKEND_FRAMING", &c.Backend.Framing)
	dur("BACKEND_DIAL_TIMEOUT", &c.Backend.DialTimeout)
	dur("BACKEND_READ_TIMEOUT", &c.Backend.ReadTimeout)
	dur("BACKEND_WRITE_TIMEOUT", &c.Backend.WriteTimeout)
	num("BACKEND_MAX_SKIPPED", &c.Backend.MaxSkipped)

	str("SSH_HOST", &c.SSH.Host)
	num("SSH_PORT", &c.SSH.Port)
	str("SSH_USER", &c.SSH.User)
	str("SSH_KEY_PATH", &c.SSH.KeyPath)
	boolean("SSH_STRICT_HOST_KEY", &c.SSH.StrictHostKey)

	num("RECONNECT_MAX_ATTEMPTS", &c.Reconnect.MaxAttempts)
	dur("RECONNECT_INITIAL_DELAY", &c.Reconnect.InitialDelay)
	dur("RECONNECT_MAX_DELAY", &c.Reconnect.MaxDelay)

	str("PRODUCER_SOURCE", &c.Producer.Source)
	str("PRODUCER_DIR", &c.Producer.Dir)
	str("PRODUCER_ENDPOINT", &c.Producer.Endpoint)
	num("PRODUCER_GARMENT", &c.Producer.Garment)
	return errors.Join(errs...)
}

// Validate rejects configurations no component can run with.
func (c AppConfig) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if strings.TrimSpace(c.Backend.Addr) == "" {
		errs = append(errs, errors.New("backend.addr must not be empty"))
	}
	if _, err := framing.ByName(c.Backend.Framing); err != nil {
		errs = append(errs, fmt.Errorf("backend.framing: %w", err))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("max_message_bytes must be positive"))
	}
	if c.Reconnect.MaxAttempts < 1 {
		errs = append(errs, errors.New("reconnect.max_attempts must be at least 1"))
	}
	if c.Producer.Rate <= 0 {
		errs = append(errs, errors.New("producer.rate must be positive"))
	}
	switch c.Producer.Source {
	case SourceSynthetic:
	case SourceDir:
		if c.Producer.Dir == "" {
			errs = append(errs, errors.New("producer.dir is required for the dir source"))
		}
	case SourceRawLog:
		if c.Producer.RawLogPath == "" {
			errs = append(errs, errors.New("producer.rawlog_path is required for the rawlog source"))
		}
	case SourceZMQ:
		if c.Producer.Endpoint == "" {
			errs = append(errs, errors.New("producer.endpoint is required for the zmq source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown producer.source %q", c.Producer.Source))
	}
	return errors.Join(errs...)
}

// ReconnectPolicy converts the reconnect section into a backoff.
func (c AppConfig) ReconnectPolicy() retry.Backoff {
	return retry.Backoff{
		InitialDelay: c.Reconnect.InitialDelay,
		MaxDelay:     c.Reconnect.MaxDelay,
		MaxAttempts:  c.Reconnect.MaxAttempts,
		Jitter:       c.Reconnect.MaxAttempts > 1,
	}
}

// BackendOptions builds connection options. The SSH dialer, when
// configured, is shared by every connection built from the result.
func (c AppConfig) BackendOptions() (backend.Options, error) {
	enc, err := framing.ByName(c.Backend.Framing)
	if err != nil {
		return backend.Options{}, err
	}
	opts := backend.Options{
		Addr:          c.Backend.Addr,
		Encoding:      enc,
		DialTimeout:   c.Backend.DialTimeout,
		ReadTimeout:   c.Backend.ReadTimeout,
		WriteTimeout:  c.Backend.WriteTimeout,
		MaxReplyBytes: c.Backend.MaxReplyBytes,
		MaxSkipped:    c.Backend.MaxSkipped,
		Reconnect:     c.ReconnectPolicy(),
	}
	if c.SSH.Host != "" {
		opts.Dialer = backend.NewSSHDialer(backend.SSHConfig{
			User:          c.SSH.User,
			Host:          c.SSH.Host,
			Port:          c.SSH.Port,
			KeyPath:       c.SSH.KeyPath,
			UseAgent:      c.SSH.UseAgent,
			StrictHostKey: c.SSH.StrictHostKey,
			KnownHosts:    c.SSH.KnownHosts,
			ConnTimeout:   c.SSH.Timeout,
		})
	}
	return opts, nil
}

// Redacted hides credentials embedded in URLs.
func (c AppConfig) Redacted() AppConfig {
	c.RedisAddr = redactURL(c.RedisAddr)
	c.MQTTBroker = redactURL(c.MQTTBroker)
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

func redactURL(raw string) string {
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
