package provider

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/promptcraft/chat-gateway/internal/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// NewHTTPClient builds the outbound client for one provider. cfg.Timeout bounds
// dialing and waiting for response headers; the stream body itself is bounded
// by the caller's context. With OAuth2 configured the client fetches and
// refreshes client-credentials tokens on its own.
func NewHTTPClient(ctx context.Context, cfg config.ProviderConfig) *http.Client {
	maxConns := cfg.MaxConcurrent
	if maxConns <= 0 {
		maxConns = 100
	}
	dialTimeout := cfg.Timeout
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          maxConns,
			MaxIdleConnsPerHost:   maxConns,
			MaxConnsPerHost:       maxConns,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
			ForceAttemptHTTP2:     true,
		},
	}

	if cfg.OAuth2 == nil {
		return client
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.OAuth2.ClientID,
		ClientSecret: cfg.OAuth2.ClientSecret,
		TokenURL:     cfg.OAuth2.TokenURL,
		Scopes:       cfg.OAuth2.Scopes,
	}
	return cc.Client(context.WithValue(ctx, oauth2.HTTPClient, client))
}
