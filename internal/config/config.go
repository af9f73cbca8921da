// Package config loads service configuration from environment variables,
// optionally layered over a YAML or TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"ai-speech-stream/internal/service/audio"
	"ai-speech-stream/internal/service/session"
	"ai-speech-stream/internal/transport/wsconn"
)

// Configuration is the full service configuration.
type Configuration struct {
	Service       ServiceConfig       `yaml:"service" toml:"service"`
	Stream        StreamConfig        `yaml:"stream" toml:"stream"`
	Server        ServerConfig        `yaml:"server" toml:"server"`
	STT           STTConfig           `yaml:"stt" toml:"stt"`
	Kafka         KafkaConfig         `yaml:"kafka" toml:"kafka"`
	Ledger        LedgerConfig        `yaml:"ledger" toml:"ledger"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
}

// ServiceConfig identifies the process and its listeners.
type ServiceConfig struct {
	Principal  string `yaml:"principal" toml:"principal"`
	GRPCPort   string `yaml:"grpcPort" toml:"grpcPort"`
	HTTPPort   string `yaml:"httpPort" toml:"httpPort"`
	ViewerPort string `yaml:"viewerPort" toml:"viewerPort"`
}

// StreamConfig holds the client engine options.
type StreamConfig struct {
	URL               string        `yaml:"url" toml:"url"`
	DialTimeout       time.Duration `yaml:"dialTimeout" toml:"dialTimeout"`
	ChunkSize         int           `yaml:"chunkSize" toml:"chunkSize"`
	MaxInFlight       int           `yaml:"maxInFlight" toml:"maxInFlight"`
	AckTimeout        time.Duration `yaml:"ackTimeout" toml:"ackTimeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" toml:"heartbeatInterval"`
	ReceiveTimeout    time.Duration `yaml:"receiveTimeout" toml:"receiveTimeout"`
	CompletionTimeout time.Duration `yaml:"completionTimeout" toml:"completionTimeout"`
	TrailingGrace     time.Duration `yaml:"trailingGrace" toml:"trailingGrace"`
	EventBuffer       int           `yaml:"eventBuffer" toml:"eventBuffer"`
	BinaryAudio       bool          `yaml:"binaryAudio" toml:"binaryAudio"`
	ChunkInterval     time.Duration `yaml:"chunkInterval" toml:"chunkInterval"`
}

// ServerConfig holds the reference endpoint's per-connection settings.
type ServerConfig struct {
	MaxBufferSamples    int           `yaml:"maxBufferSamples" toml:"maxBufferSamples"`
	IdleTimeout         time.Duration `yaml:"idleTimeout" toml:"idleTimeout"`
	ProcessTimeout      time.Duration `yaml:"processTimeout" toml:"processTimeout"`
	Debug               bool          `yaml:"debug" toml:"debug"`
	ReplySilenceSamples int           `yaml:"replySilenceSamples" toml:"replySilenceSamples"`
}

// STTConfig selects and configures the recognition provider.
type STTConfig struct {
	Provider       string `yaml:"provider" toml:"provider"` // "mock" or "google"
	LanguageCode   string `yaml:"languageCode" toml:"languageCode"`
	SampleRateHz   int    `yaml:"sampleRateHz" toml:"sampleRateHz"`
	InterimResults bool   `yaml:"interimResults" toml:"interimResults"`
	AudioEncoding  string `yaml:"audioEncoding" toml:"audioEncoding"`
}

// KafkaConfig configures result publishing.
type KafkaConfig struct {
	Enabled          bool     `yaml:"enabled" toml:"enabled"`
	Brokers          []string `yaml:"brokers" toml:"brokers"`
	TopicTranscripts string   `yaml:"topicTranscripts" toml:"topicTranscripts"`
	TopicOutcomes    string   `yaml:"topicOutcomes" toml:"topicOutcomes"`
	Principal        string   `yaml:"principal" toml:"principal"`
}

// LedgerConfig configures the shared session id ledger. An empty Addr keeps
// id tracking in process.
type LedgerConfig struct {
	Addr   string        `yaml:"addr" toml:"addr"`
	Prefix string        `yaml:"prefix" toml:"prefix"`
	TTL    time.Duration `yaml:"ttl" toml:"ttl"`
}

// ObservabilityConfig configures logging and the metrics server.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"logLevel" toml:"logLevel"`
	LogFormat   string `yaml:"logFormat" toml:"logFormat"` // "json" or "console"
	MetricsPort string `yaml:"metricsPort" toml:"metricsPort"`
}

// Defaults returns the built-in configuration.
func Defaults() *Configuration {
	sc := session.DefaultConfig()
	limits := audio.DefaultLimits()
	return &Configuration{
		Service: ServiceConfig{
			Principal:  "svc-speech-stream",
			GRPCPort:   "50051",
			HTTPPort:   "8080",
			ViewerPort: "8081",
		},
		Stream: StreamConfig{
			URL:               "ws://localhost:8080/ws",
			DialTimeout:       wsconn.DefaultDialTimeout,
			ChunkSize:         sc.ChunkSize,
			AckTimeout:        sc.AckTimeout,
			HeartbeatInterval: sc.HeartbeatInterval,
			ReceiveTimeout:    sc.ReceiveTimeout,
			CompletionTimeout: sc.CompletionTimeout,
			TrailingGrace:     sc.TrailingGrace,
			EventBuffer:       sc.EventBuffer,
		},
		Server: ServerConfig{
			MaxBufferSamples: limits.MaxBufferSamples,
			IdleTimeout:      limits.IdleTimeout,
			ProcessTimeout:   limits.ProcessTimeout,
		},
		STT: STTConfig{
			Provider:       "mock",
			LanguageCode:   "en-US",
			SampleRateHz:   16000,
			InterimResults: true,
			AudioEncoding:  "LINEAR16",
		},
		Kafka: KafkaConfig{
			TopicTranscripts: "speech.stream.transcripts",
			TopicOutcomes:    "speech.stream.outcomes",
		},
		Ledger: LedgerConfig{
			Prefix: "speech-stream",
			TTL:    24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: "9090",
		},
	}
}

// Load returns the defaults overridden by environment variables.
func Load() *Configuration {
	cfg := Defaults()
	applyEnv(cfg)
	return cfg
}

// LoadFile overlays a .yaml/.yml or .toml file on the defaults, then applies
// environment overrides.
func LoadFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Defaults()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse toml config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Configuration) {
	s := &cfg.Service
	s.Principal = envOrDefault("SERVICE_PRINCIPAL", s.Principal)
	s.GRPCPort = envOrDefault("GRPC_PORT", s.GRPCPort)
	s.HTTPPort = envOrDefault("HTTP_PORT", s.HTTPPort)
	s.ViewerPort = envOrDefault("VIEWER_PORT", s.ViewerPort)

	st := &cfg.Stream
	st.URL = envOrDefault("STREAM_URL", st.URL)
	st.DialTimeout = envOrDefaultDuration("STREAM_DIAL_TIMEOUT", st.DialTimeout)
	st.ChunkSize = envOrDefaultInt("STREAM_CHUNK_SIZE", st.ChunkSize)
	st.MaxInFlight = envOrDefaultInt("STREAM_MAX_IN_FLIGHT", st.MaxInFlight)
	st.AckTimeout = envOrDefaultDuration("STREAM_ACK_TIMEOUT", st.AckTimeout)
	st.HeartbeatInterval = envOrDefaultDuration("STREAM_HEARTBEAT_INTERVAL", st.HeartbeatInterval)
	st.ReceiveTimeout = envOrDefaultDuration("STREAM_RECEIVE_TIMEOUT", st.ReceiveTimeout)
	st.CompletionTimeout = envOrDefaultDuration("STREAM_COMPLETION_TIMEOUT", st.CompletionTimeout)
	st.TrailingGrace = envOrDefaultDuration("STREAM_TRAILING_GRACE", st.TrailingGrace)
	st.EventBuffer = envOrDefaultInt("STREAM_EVENT_BUFFER", st.EventBuffer)
	st.BinaryAudio = envOrDefaultBool("STREAM_BINARY_AUDIO", st.BinaryAudio)
	st.ChunkInterval = envOrDefaultDuration("STREAM_CHUNK_INTERVAL", st.ChunkInterval)

	sv := &cfg.Server
	sv.MaxBufferSamples = envOrDefaultInt("SERVER_MAX_BUFFER_SAMPLES", sv.MaxBufferSamples)
	sv.IdleTimeout = envOrDefaultDuration("SERVER_IDLE_TIMEOUT", sv.IdleTimeout)
	sv.ProcessTimeout = envOrDefaultDuration("SERVER_PROCESS_TIMEOUT", sv.ProcessTimeout)
	sv.Debug = envOrDefaultBool("SERVER_DEBUG", sv.Debug)
	sv.ReplySilenceSamples = envOrDefaultInt("SERVER_REPLY_SILENCE_SAMPLES", sv.ReplySilenceSamples)

	t := &cfg.STT
	t.Provider = envOrDefault("STT_PROVIDER", t.Provider)
	t.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", t.LanguageCode)
	t.SampleRateHz = envOrDefaultInt("STT_SAMPLE_RATE_HZ", t.SampleRateHz)
	t.InterimResults = envOrDefaultBool("STT_INTERIM_RESULTS", t.InterimResults)
	t.AudioEncoding = envOrDefault("STT_AUDIO_ENCODING", t.AudioEncoding)

	k := &cfg.Kafka
	k.Enabled = envOrDefaultBool("KAFKA_ENABLED", k.Enabled)
	k.Brokers = envOrDefaultList("KAFKA_BROKERS", k.Brokers)
	k.TopicTranscripts = envOrDefault("KAFKA_TOPIC_TRANSCRIPTS", k.TopicTranscripts)
	k.TopicOutcomes = envOrDefault("KAFKA_TOPIC_OUTCOMES", k.TopicOutcomes)
	k.Principal = envOrDefault("KAFKA_PRINCIPAL", k.Principal)
	if k.Principal == "" {
		k.Principal = s.Principal
	}

	l := &cfg.Ledger
	l.Addr = envOrDefault("REDIS_ADDR", l.Addr)
	l.Prefix = envOrDefault("LEDGER_PREFIX", l.Prefix)
	l.TTL = envOrDefaultDuration("LEDGER_TTL", l.TTL)

	o := &cfg.Observability
	o.LogLevel = envOrDefault("LOG_LEVEL", o.LogLevel)
	o.LogFormat = envOrDefault("LOG_FORMAT", o.LogFormat)
	o.MetricsPort = envOrDefault("METRICS_PORT", o.MetricsPort)
}

// SessionConfig converts the stream options to engine options.
func (s StreamConfig) SessionConfig() session.Config {
	return session.Config{
		ChunkSize:         s.ChunkSize,
		MaxInFlight:       s.MaxInFlight,
		AckTimeout:        s.AckTimeout,
		HeartbeatInterval: s.HeartbeatInterval,
		ReceiveTimeout:    s.ReceiveTimeout,
		CompletionTimeout: s.CompletionTimeout,
		TrailingGrace:     s.TrailingGrace,
		EventBuffer:       s.EventBuffer,
		BinaryAudio:       s.BinaryAudio,
		ChunkInterval:     s.ChunkInterval,
	}
}

// ConnConfig returns the WebSocket settings for dialing URL.
func (s StreamConfig) ConnConfig() wsconn.Config {
	return wsconn.Config{URL: s.URL, DialTimeout: s.DialTimeout}
}

// HandlerConfig converts the server options for audio.NewHandler.
func (c *Configuration) HandlerConfig() audio.Config {
	return audio.Config{
		Limits: audio.Limits{
			MaxBufferSamples: c.Server.MaxBufferSamples,
			IdleTimeout:      c.Server.IdleTimeout,
			ProcessTimeout:   c.Server.ProcessTimeout,
		},
		SampleRate: c.STT.SampleRateHz,
		Debug:      c.Server.Debug,
		Provider:   c.STT.Provider,
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
