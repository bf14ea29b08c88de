// Package bridge is the call-control boundary: a thin client for the
// telephony provider's REST API and the HTTP routes that expose call
// origination and transfer to logged-in softphone clients. Everything here is
// request/response passthrough; call state lives in the clients, presence in
// the hub.
package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultProviderURL is the 46elks API root.
const DefaultProviderURL = "https://api.46elks.com"

// ProviderError carries a non-2xx provider response.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Body)
}

// Provider calls the telephony provider's REST API with basic auth.
type Provider struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	log      zerolog.Logger
}

func NewProvider(baseURL, username, password string, log zerolog.Logger) *Provider {
	if baseURL == "" {
		baseURL = DefaultProviderURL
	}
	return &Provider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: 15 * time.Second},
		log:      log.With().Str("component", "provider").Logger(),
	}
}

// Numbers lists the account's provisioned numbers. Also used as a cheap
// credential check.
func (p *Provider) Numbers(ctx context.Context) ([]byte, error) {
	return p.do(ctx, http.MethodGet, "/a1/numbers", nil)
}

// MakeCall originates a call: the provider first rings the originator's own
// WebRTC leg, then connects it to the destination number once answered. That
// first inbound leg is the one the client auto-answers.
func (p *Provider) MakeCall(ctx context.Context, phoneNumber, webrtcNumber string) ([]byte, error) {
	form := url.Values{
		"from":        {webrtcNumber},
		"to":          {"sip:" + webrtcNumber + "@voip.46elks.com"},
		"voice_start": {fmt.Sprintf(`{"connect":%q}`, phoneNumber)},
	}
	return p.do(ctx, http.MethodPost, "/a1/calls", form)
}

// TransferCall redirects the active leg identified by fromNumber to toNumber.
func (p *Provider) TransferCall(ctx context.Context, fromNumber, toNumber string) ([]byte, error) {
	form := url.Values{
		"from":        {fromNumber},
		"to":          {"sip:" + toNumber + "@voip.46elks.com"},
		"voice_start": {fmt.Sprintf(`{"connect":%q}`, toNumber)},
	}
	return p.do(ctx, http.MethodPost, "/a1/calls", form)
}

func (p *Provider) do(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(p.username, p.password)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("provider error")
		return nil, &ProviderError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}
