package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/stun"
)

// Config holds all runtime configuration for the voicebridge server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir         string
	HTTPPort        int
	SIPPort         int
	RTPPortMin      int
	RTPPortMax      int
	OpusPayloadType int
	GreetingFile    string        // WAV file played to callers when no pipeline is configured
	SilenceBefore   time.Duration // silence sent before any announcement
	MaxCallDuration time.Duration // hard cap on call length
	Language        string
	RecordCalls     bool
	PipelineURL     string // websocket URL of the voice pipeline (empty = greeting-only mode)
	PipelineToken   string
	AccessToken     string // long-lived token for the HTTP API (empty = API disabled)
	JWTSecret       string // hex-encoded 32-byte secret for API JWT signing
	ExternalIP      string // public IP for SDP (discovered if empty)
	STUNServer      string // STUN server for public IP discovery (e.g., "stun.l.google.com:19302")
	LogLevel        string
	LogFormat       string // log output format: "text" or "json"
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPPort        = 8080
	defaultSIPPort         = 5060
	defaultRTPPortMin      = 10000
	defaultRTPPortMax      = 10100
	defaultOpusPayloadType = 123
	defaultMaxCallDuration = 15 * time.Minute
	defaultLanguage        = "en"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
)

// envPrefix is the prefix for all voicebridge environment variables.
const envPrefix = "VOICEBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// A .env file in the working directory is loaded first if present.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	// .env is optional; missing file is not an error.
	godotenv.Load() //nolint:errcheck

	cfg := &Config{}

	fs := flag.NewFlagSet("voicebridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and call recordings")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP listen port")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media")
	fs.IntVar(&cfg.OpusPayloadType, "opus-payload-type", defaultOpusPayloadType, "dynamic RTP payload type for OPUS")
	fs.StringVar(&cfg.GreetingFile, "greeting-file", "", "WAV file played to callers when no pipeline is configured")
	fs.DurationVar(&cfg.SilenceBefore, "silence-before", 0, "silence sent before any announcement (e.g., 500ms)")
	fs.DurationVar(&cfg.MaxCallDuration, "max-call-duration", defaultMaxCallDuration, "hard cap on call length")
	fs.StringVar(&cfg.Language, "language", defaultLanguage, "language hint passed to the voice pipeline")
	fs.BoolVar(&cfg.RecordCalls, "record-calls", false, "record caller audio to WAV files under the data directory")
	fs.StringVar(&cfg.PipelineURL, "pipeline-url", "", "websocket URL of the voice pipeline (empty = greeting-only mode)")
	fs.StringVar(&cfg.PipelineToken, "pipeline-token", "", "access token for the voice pipeline")
	fs.StringVar(&cfg.AccessToken, "access-token", "", "long-lived access token for the HTTP API (empty = API disabled)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for API JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address for SDP (discovered if empty)")
	fs.StringVar(&cfg.STUNServer, "stun-server", "", "STUN server for public IP discovery (e.g., stun.l.google.com:19302)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":          envPrefix + "DATA_DIR",
		"http-port":         envPrefix + "HTTP_PORT",
		"sip-port":          envPrefix + "SIP_PORT",
		"rtp-port-min":      envPrefix + "RTP_PORT_MIN",
		"rtp-port-max":      envPrefix + "RTP_PORT_MAX",
		"opus-payload-type": envPrefix + "OPUS_PAYLOAD_TYPE",
		"greeting-file":     envPrefix + "GREETING_FILE",
		"silence-before":    envPrefix + "SILENCE_BEFORE",
		"max-call-duration": envPrefix + "MAX_CALL_DURATION",
		"language":          envPrefix + "LANGUAGE",
		"record-calls":      envPrefix + "RECORD_CALLS",
		"pipeline-url":      envPrefix + "PIPELINE_URL",
		"pipeline-token":    envPrefix + "PIPELINE_TOKEN",
		"access-token":      envPrefix + "ACCESS_TOKEN",
		"jwt-secret":        envPrefix + "JWT_SECRET",
		"external-ip":       envPrefix + "EXTERNAL_IP",
		"stun-server":       envPrefix + "STUN_SERVER",
		"log-level":         envPrefix + "LOG_LEVEL",
		"log-format":        envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "opus-payload-type":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.OpusPayloadType = v
			}
		case "greeting-file":
			cfg.GreetingFile = val
		case "silence-before":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.SilenceBefore = v
			}
		case "max-call-duration":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.MaxCallDuration = v
			}
		case "language":
			cfg.Language = val
		case "record-calls":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.RecordCalls = v
			}
		case "pipeline-url":
			cfg.PipelineURL = val
		case "pipeline-token":
			cfg.PipelineToken = val
		case "access-token":
			cfg.AccessToken = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "external-ip":
			cfg.ExternalIP = val
		case "stun-server":
			cfg.STUNServer = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP uses even ports, RTCP takes the next odd one.
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if c.OpusPayloadType < 96 || c.OpusPayloadType > 127 {
		return fmt.Errorf("opus-payload-type must be a dynamic type (96-127), got %d", c.OpusPayloadType)
	}
	if c.SilenceBefore < 0 {
		return fmt.Errorf("silence-before must not be negative, got %v", c.SilenceBefore)
	}
	if c.MaxCallDuration <= 0 {
		return fmt.Errorf("max-call-duration must be positive, got %v", c.MaxCallDuration)
	}
	if c.PipelineURL == "" && c.GreetingFile == "" {
		return fmt.Errorf("either pipeline-url or greeting-file must be set")
	}
	if c.PipelineURL != "" && !strings.HasPrefix(c.PipelineURL, "ws://") && !strings.HasPrefix(c.PipelineURL, "wss://") {
		return fmt.Errorf("pipeline-url must be a ws:// or wss:// URL, got %q", c.PipelineURL)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// RecordingDir returns the directory call recordings are written under.
func (c *Config) RecordingDir() string {
	return filepath.Join(c.DataDir, "recordings")
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// MediaIP returns the IP address advertised in SDP answers.
// If ExternalIP is configured, it is returned directly. If a STUN server is
// configured, the public address is discovered through it. Otherwise the
// machine's primary non-loopback IPv4 address is used.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	if c.STUNServer != "" {
		ip, err := discoverViaSTUN(c.STUNServer)
		if err != nil {
			slog.Warn("stun discovery failed, falling back to interface scan",
				"server", c.STUNServer, "error", err)
		} else {
			return ip
		}
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// discoverViaSTUN asks a STUN server for this machine's public address.
func discoverViaSTUN(server string) (string, error) {
	client, err := stun.Dial("udp4", server)
	if err != nil {
		return "", fmt.Errorf("dialing stun server: %w", err)
	}
	defer client.Close()

	var ip string
	var resErr error
	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if err := client.Do(message, func(res stun.Event) {
		if res.Error != nil {
			resErr = res.Error
			return
		}
		var addr stun.XORMappedAddress
		if err := addr.GetFrom(res.Message); err != nil {
			resErr = fmt.Errorf("reading mapped address: %w", err)
			return
		}
		ip = addr.IP.String()
	}); err != nil {
		return "", fmt.Errorf("stun binding request: %w", err)
	}
	if resErr != nil {
		return "", resErr
	}
	return ip, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
