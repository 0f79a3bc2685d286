package webrtc

import "time"

const (
	ICEProviderStatic = "static"
	ICEProviderTwilio = "twilio"
)

type Config struct {
	ServerAddr      string `mapstructure:"server_addr"`
	OfferPath       string `mapstructure:"offer_path"`
	ResponseChannel string `mapstructure:"response_channel"`
	// OpenTimeout bounds how long a send waits for the response channel to open.
	OpenTimeout    time.Duration `mapstructure:"open_timeout"`
	GatherTimeout  time.Duration `mapstructure:"gather_timeout"`
	OfferRate      float64       `mapstructure:"offer_rate"`
	OfferBurst     int           `mapstructure:"offer_burst"`
	AllowAnyOrigin bool          `mapstructure:"allow_any_origin"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ICE            ICEConfig     `mapstructure:"ice"`
}

type ICEConfig struct {
	Provider   string   `mapstructure:"provider"`
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
	// Twilio Network Traversal Service credentials.
	AccountSID string        `mapstructure:"account_sid"`
	AuthToken  string        `mapstructure:"auth_token"`
	TTL        time.Duration `mapstructure:"ttl"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.OfferPath == "" {
		c.OfferPath = "/offer"
	}
	if c.ResponseChannel == "" {
		c.ResponseChannel = "audio_response"
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = 10 * time.Second
	}
	if c.OfferRate <= 0 {
		c.OfferRate = 5
	}
	if c.OfferBurst <= 0 {
		c.OfferBurst = 10
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	if c.ICE.Provider == "" {
		c.ICE.Provider = ICEProviderStatic
	}
	if c.ICE.Provider == ICEProviderStatic && len(c.ICE.URLs) == 0 {
		c.ICE.URLs = []string{"stun:stun.l.google.com:19302"}
	}
	if c.ICE.TTL <= 0 {
		c.ICE.TTL = time.Hour
	}
	return c
}
