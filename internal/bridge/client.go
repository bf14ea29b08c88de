package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

// Client talks to a dialtone server's call-control endpoints. The session
// cookie issued by Login rides in the jar, so one Client serves one signed-in
// identity.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("bridge client: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 20 * time.Second,
			Jar:     jar,
		},
	}, nil
}

// Login opens a session; every later call rides on its cookie.
func (c *Client) Login(ctx context.Context, username, password string) error {
	_, err := c.post(ctx, "/login", map[string]string{
		"username": username,
		"password": password,
	})
	return err
}

// Logout drops the session on the server; the cookie expires with it.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.post(ctx, "/logout", nil)
	return err
}

// MakeCall asks the server to originate a call from the WebRTC leg to
// phoneNumber.
func (c *Client) MakeCall(ctx context.Context, phoneNumber, webrtcNumber string) error {
	_, err := c.post(ctx, "/make-call", map[string]string{
		"phoneNumber":  phoneNumber,
		"webrtcNumber": webrtcNumber,
	})
	return err
}

// TransferCall hands an established provider call from one number to another.
func (c *Client) TransferCall(ctx context.Context, fromNumber, toNumber string) error {
	_, err := c.post(ctx, "/transfer-call", map[string]string{
		"fromNumber": fromNumber,
		"toNumber":   toNumber,
	})
	return err
}

// Numbers lists the provider numbers available to the account.
func (c *Client) Numbers(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/numbers", nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, body map[string]string) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge client: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("bridge client: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := serverMessage(raw)
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("bridge client: %s %s: %s", req.Method, req.URL.Path, msg)
	}
	return raw, nil
}

func serverMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.Message
}
