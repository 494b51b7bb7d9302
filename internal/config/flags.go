package config

import (
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// BindFlags registers the shared and gateway flags. Current field values
// become the flag defaults so files and env stay visible in --help.
func (c *AppConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "YAML config file (TRYON_CONFIG)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&c.Port, "port", c.Port, "WebSocket/HTTP listen port")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "separate listen address for /metrics (empty serves it on --port)")
	fs.Int64Var(&c.MaxMessageBytes, "max-message-bytes", c.MaxMessageBytes, "largest producer message accepted")
	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origins", c.AllowedOrigins, "CORS origins for the HTTP API (empty allows any)")
	fs.BoolVar(&c.FrameDataURI, "frame-data-uri", c.FrameDataURI, "prefix outbound frames with a data: URI header")
	fs.StringVar(&c.CatalogFile, "catalog", c.CatalogFile, "garment catalog YAML (empty uses the built-in catalog)")
	fs.StringVar(&c.AssetDir, "asset-dir", c.AssetDir, "directory served under /assets/garments/")
	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address or URL for the session mirror")
	fs.StringVar(&c.EventsEndpoint, "events-endpoint", c.EventsEndpoint, "ZeroMQ PUB endpoint for session events")
	fs.StringVar(&c.MQTTBroker, "mqtt-broker", c.MQTTBroker, "MQTT broker URL for session events")
	fs.StringVar(&c.MQTTTopic, "mqtt-topic", c.MQTTTopic, "MQTT topic prefix")
	fs.BoolVar(&c.RawLogEnabled, "raw-log", c.RawLogEnabled, "record every frame exchange")
	fs.StringVar(&c.RawLogDir, "raw-log-dir", c.RawLogDir, "directory for raw exchange logs")
	fs.StringVar(&c.OutputDir, "output-dir", c.OutputDir, "directory for the session summary CSV")
	fs.DurationVar(&c.ProbeInterval, "probe-interval", c.ProbeInterval, "backend reachability probe interval (0 disables)")
	fs.DurationVar(&c.StatsInterval, "stats-interval", c.StatsInterval, "periodic stats log interval")
	c.BindBackendFlags(fs)
}

// BindProducerFlags registers the shared and producer flags.
func (c *AppConfig) BindProducerFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "YAML config file (TRYON_CONFIG)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.CatalogFile, "catalog", c.CatalogFile, "garment catalog YAML (empty uses the built-in catalog)")
	fs.StringVar(&c.Producer.Source, "source", c.Producer.Source, "frame source: synthetic, dir, rawlog or zmq")
	fs.StringVar(&c.Producer.Dir, "dir", c.Producer.Dir, "watched directory for the dir source")
	fs.StringVar(&c.Producer.Endpoint, "endpoint", c.Producer.Endpoint, "ZeroMQ PULL endpoint for the zmq source")
	fs.StringVar(&c.Producer.RawLogPath, "rawlog", c.Producer.RawLogPath, "raw exchange log to replay")
	fs.Float64Var(&c.Producer.Rate, "rate", c.Producer.Rate, "frames per second for the synthetic source")
	fs.IntVar(&c.Producer.Width, "width", c.Producer.Width, "synthetic frame width")
	fs.IntVar(&c.Producer.Height, "height", c.Producer.Height, "synthetic frame height")
	fs.IntVar(&c.Producer.Garment, "garment", c.Producer.Garment, "initial garment id")
	fs.BoolVar(&c.Producer.TUI, "tui", c.Producer.TUI, "interactive terminal UI")
	fs.StringVar(&c.Producer.OutDir, "out", c.Producer.OutDir, "directory for transformed frames")
	fs.IntVar(&c.Producer.MaxFrames, "max-frames", c.Producer.MaxFrames, "stop after this many frames (0 runs until interrupted)")
	c.BindBackendFlags(fs)
}

// BindBackendFlags registers how to reach the inference backend.
func (c *AppConfig) BindBackendFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Backend.Addr, "backend", c.Backend.Addr, "inference backend host:port")
	fs.StringVar(&c.Backend.Framing, "framing", c.Backend.Framing, "backend framing: legacy (bit-63 flag) or tagged")
	fs.DurationVar(&c.Backend.DialTimeout, "dial-timeout", c.Backend.DialTimeout, "backend connect timeout")
	fs.DurationVar(&c.Backend.ReadTimeout, "read-timeout", c.Backend.ReadTimeout, "backend reply timeout (negative disables)")
	fs.DurationVar(&c.Backend.WriteTimeout, "write-timeout", c.Backend.WriteTimeout, "backend write timeout (negative disables)")
	fs.IntVar(&c.Backend.MaxSkipped, "max-skipped", c.Backend.MaxSkipped, "command replies skipped before a frame reply is abandoned")
	fs.IntVar(&c.Reconnect.MaxAttempts, "connect-attempts", c.Reconnect.MaxAttempts, "backend open attempts per session")
	fs.DurationVar(&c.Reconnect.InitialDelay, "connect-backoff", c.Reconnect.InitialDelay, "first delay between open attempts")
	fs.StringVar(&c.SSH.Host, "ssh-host", c.SSH.Host, "reach the backend through this SSH host")
	fs.IntVar(&c.SSH.Port, "ssh-port", c.SSH.Port, "SSH port")
	fs.StringVar(&c.SSH.User, "ssh-user", c.SSH.User, "SSH user")
	fs.StringVar(&c.SSH.KeyPath, "ssh-key", c.SSH.KeyPath, "SSH private key")
	fs.BoolVar(&c.SSH.UseAgent, "ssh-agent", c.SSH.UseAgent, "authenticate with the SSH agent")
	fs.BoolVar(&c.SSH.StrictHostKey, "ssh-strict", c.SSH.StrictHostKey, "verify the SSH host key against known_hosts")
}

// Load layers defaults, the config file, TRYON_* env and flags, in that
// order. bind chooses which flags the binary exposes.
func Load(fs *pflag.FlagSet, args []string, bind func(*AppConfig, *pflag.FlagSet)) (AppConfig, error) {
	cfg, err := Prepare(args)
	if err != nil {
		return cfg, err
	}
	bind(&cfg, fs)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Prepare applies every layer below flags. Callers that parse flags
// themselves bind them to the result afterwards.
func Prepare(args []string) (AppConfig, error) {
	cfg := Default()
	if path := configPath(args); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.ApplyEnv()
}

// configPath finds --config before flags are parsed so the file can seed
// the flag defaults.
func configPath(args []string) string {
	for i, a := range args {
		switch {
		case a == "--":
			return os.Getenv("TRYON_CONFIG")
		case a == "--config" || a == "-config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return os.Getenv("TRYON_CONFIG")
}
