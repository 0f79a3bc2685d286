package relay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/harunnryd/voxrelay/pkg/chunking"
	"github.com/harunnryd/voxrelay/pkg/reassembly"
	"github.com/harunnryd/voxrelay/pkg/session"
	"github.com/harunnryd/voxrelay/pkg/transmit"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Protocol      ProtocolConfig      `mapstructure:"protocol"`
	Services      ServicesConfig      `mapstructure:"services"`
	Relay         SessionConfig       `mapstructure:"relay"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

// ProtocolConfig is process-wide and never renegotiated per peer.
type ProtocolConfig struct {
	ChunkSize          int    `mapstructure:"chunk_size"`
	InterChunkDelayMS  int    `mapstructure:"inter_chunk_delay_ms"`
	HeaderEncoding     string `mapstructure:"header_encoding"`
	SendAbortOnFailure bool   `mapstructure:"send_abort_on_failure"`
	HighWaterMark      int    `mapstructure:"high_water_mark"`
	MaxPayloadSize     int    `mapstructure:"max_payload_size"`
}

type ServicesConfig struct {
	TimeoutMS int `mapstructure:"timeout_ms"`
}

type SessionConfig struct {
	MaxInboundBytes int    `mapstructure:"max_inbound_bytes"`
	ErrorReplyText  string `mapstructure:"error_reply_text"`
	SystemPrompt    string `mapstructure:"system_prompt"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	LLM VendorConfig `mapstructure:"llm"`
	TTS VendorConfig `mapstructure:"tts"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ObservabilityConfig struct {
	MetricsAddr   string `mapstructure:"metrics_addr"`
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	// EventsFile receives every metrics event as JSON lines when set.
	EventsFile string `mapstructure:"events_file"`
	// ChunkLogSampleRate thins chunk_sent events before they reach the logger.
	ChunkLogSampleRate float64 `mapstructure:"chunk_log_sample_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// LoadConfig reads the YAML file at path. A .env file next to it is loaded
// first without overriding variables already set, then ${VAR} references in
// every string value are expanded.
func LoadConfig(path string) (Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("protocol.chunk_size", chunking.DefaultChunkSize)
	v.SetDefault("protocol.inter_chunk_delay_ms", 1)
	v.SetDefault("protocol.header_encoding", chunking.HeaderJSON)
	v.SetDefault("protocol.send_abort_on_failure", true)
	v.SetDefault("protocol.high_water_mark", 0)
	v.SetDefault("protocol.max_payload_size", reassembly.DefaultMaxPayloadSize)
	v.SetDefault("services.timeout_ms", 30000)
	v.SetDefault("relay.max_inbound_bytes", 25<<20)
	v.SetDefault("relay.error_reply_text", "")
	v.SetDefault("relay.system_prompt", "You are a helpful voice assistant. Keep replies short and conversational.")
	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.events_file", "")
	v.SetDefault("observability.chunk_log_sample_rate", 0.1)
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if c.Protocol.ChunkSize <= 0 {
		return fmt.Errorf("protocol.chunk_size must be positive, got %d", c.Protocol.ChunkSize)
	}
	if c.Protocol.InterChunkDelayMS < 0 {
		return fmt.Errorf("protocol.inter_chunk_delay_ms must not be negative, got %d", c.Protocol.InterChunkDelayMS)
	}
	if _, err := chunking.NewHeaderCodec(c.Protocol.HeaderEncoding); err != nil {
		return fmt.Errorf("protocol.header_encoding: %w", err)
	}
	if c.Protocol.HighWaterMark < 0 {
		return fmt.Errorf("protocol.high_water_mark must not be negative, got %d", c.Protocol.HighWaterMark)
	}
	if r := c.Observability.ChunkLogSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("observability.chunk_log_sample_rate must be within [0,1], got %v", r)
	}
	if c.Services.TimeoutMS < 0 {
		return fmt.Errorf("services.timeout_ms must not be negative, got %d", c.Services.TimeoutMS)
	}
	return nil
}

// TransmitConfig maps the protocol section onto the transmitter.
func (c Config) TransmitConfig() transmit.Config {
	return transmit.Config{
		ChunkSize:          c.Protocol.ChunkSize,
		InterChunkDelay:    time.Duration(c.Protocol.InterChunkDelayMS) * time.Millisecond,
		SendAbortOnFailure: c.Protocol.SendAbortOnFailure,
		HighWaterMark:      uint64(c.Protocol.HighWaterMark),
	}
}

// SessionConfig maps the relay and services sections onto a session.
// Chunked uploads are held to the same bound as whole-message utterances.
func (c Config) SessionConfig() session.Config {
	maxUpload := c.Protocol.MaxPayloadSize
	if c.Relay.MaxInboundBytes > 0 && (maxUpload <= 0 || c.Relay.MaxInboundBytes < maxUpload) {
		maxUpload = c.Relay.MaxInboundBytes
	}
	return session.Config{
		ServiceTimeout:  time.Duration(c.Services.TimeoutMS) * time.Millisecond,
		MaxInboundBytes: c.Relay.MaxInboundBytes,
		ErrorReplyText:  c.Relay.ErrorReplyText,
		SystemPrompt:    c.Relay.SystemPrompt,
		Reassembly:      reassembly.Config{MaxPayloadSize: maxUpload},
	}
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
