package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// ICEProvider returns the STUN/TURN servers handed to a new peer connection.
type ICEProvider interface {
	Servers(ctx context.Context) ([]webrtc.ICEServer, error)
}

// StaticICE serves a fixed server list.
type StaticICE []webrtc.ICEServer

func (s StaticICE) Servers(ctx context.Context) ([]webrtc.ICEServer, error) {
	return s, nil
}

type tokenCreator interface {
	CreateToken(params *api.CreateTokenParams) (*api.ApiV2010Token, error)
}

// TwilioICE fetches short-lived TURN credentials from Twilio's Network
// Traversal Service and caches them for most of their lifetime.
type TwilioICE struct {
	client tokenCreator
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	cached  []webrtc.ICEServer
	expires time.Time
}

func NewTwilioICE(accountSID, authToken string, ttl time.Duration) (*TwilioICE, error) {
	if strings.TrimSpace(accountSID) == "" || strings.TrimSpace(authToken) == "" {
		return nil, errors.New("missing twilio credentials")
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newTwilioICE(rest.Api, ttl), nil
}

func newTwilioICE(client tokenCreator, ttl time.Duration) *TwilioICE {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TwilioICE{client: client, ttl: ttl, now: time.Now}
}

type twilioICEServer struct {
	URL        string `json:"url"`
	URLs       string `json:"urls"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

func (p *TwilioICE) Servers(ctx context.Context) ([]webrtc.ICEServer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if p.cached != nil && now.Before(p.expires) {
		return p.cached, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := &api.CreateTokenParams{}
	params.SetTtl(int(p.ttl.Seconds()))
	tok, err := p.client.CreateToken(params)
	if err != nil {
		return nil, fmt.Errorf("twilio token: %w", err)
	}
	servers, err := iceServersFromToken(tok)
	if err != nil {
		return nil, err
	}
	p.cached = servers
	// Refresh before the credentials expire.
	p.expires = now.Add(p.ttl * 9 / 10)
	return servers, nil
}

func iceServersFromToken(tok *api.ApiV2010Token) ([]webrtc.ICEServer, error) {
	if tok == nil || tok.IceServers == nil {
		return nil, errors.New("twilio token has no ice servers")
	}
	raw, err := json.Marshal(tok.IceServers)
	if err != nil {
		return nil, err
	}
	var entries []twilioICEServer
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode twilio ice servers: %w", err)
	}
	out := make([]webrtc.ICEServer, 0, len(entries))
	for _, e := range entries {
		url := e.URLs
		if url == "" {
			url = e.URL
		}
		if url == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{
			URLs:       []string{url},
			Username:   e.Username,
			Credential: e.Credential,
		})
	}
	if len(out) == 0 {
		return nil, errors.New("twilio token has no ice servers")
	}
	return out, nil
}

// NewICEProvider builds the provider named by cfg.Provider.
func NewICEProvider(cfg ICEConfig) (ICEProvider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ICEProviderStatic:
		if len(cfg.URLs) == 0 {
			return StaticICE(nil), nil
		}
		return StaticICE{{URLs: cfg.URLs, Username: cfg.Username, Credential: cfg.Credential}}, nil
	case ICEProviderTwilio:
		return NewTwilioICE(cfg.AccountSID, cfg.AuthToken, cfg.TTL)
	default:
		return nil, fmt.Errorf("unknown ice provider %q", cfg.Provider)
	}
}
