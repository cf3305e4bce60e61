package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a control client for a socket path.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the node status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.get(ctx, "/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Peers retrieves the list of connected peers.
func (c *Client) Peers(ctx context.Context) (*PeersResponse, error) {
	var peers PeersResponse
	if err := c.get(ctx, "/peers", &peers); err != nil {
		return nil, err
	}
	return &peers, nil
}

// Introductions retrieves pending introductions.
func (c *Client) Introductions(ctx context.Context) (*IntroductionsResponse, error) {
	var intros IntroductionsResponse
	if err := c.get(ctx, "/introductions", &intros); err != nil {
		return nil, err
	}
	return &intros, nil
}

// AcceptIntroduction accepts a pending introduction by hex pubkey.
func (c *Client) AcceptIntroduction(ctx context.Context, pubkey string) error {
	var ok OKResponse
	return c.post(ctx, "/introductions/accept", DecisionRequest{Pubkey: pubkey}, &ok)
}

// RejectIntroduction rejects a pending introduction by hex pubkey.
func (c *Client) RejectIntroduction(ctx context.Context, pubkey, reason string) error {
	var ok OKResponse
	return c.post(ctx, "/introductions/reject", DecisionRequest{Pubkey: pubkey, Reason: reason}, &ok)
}

// SetTrust grants or withdraws auto-accept trust for an introducer.
func (c *Client) SetTrust(ctx context.Context, pubkey string, trusted bool) error {
	var ok OKResponse
	return c.post(ctx, "/trust", DecisionRequest{Pubkey: pubkey, Trusted: trusted}, &ok)
}

// RevokeTrust revokes trust, optionally cascading along trust paths.
func (c *Client) RevokeTrust(ctx context.Context, pubkey string, cascade bool) error {
	var ok OKResponse
	return c.post(ctx, "/trust/revoke", DecisionRequest{Pubkey: pubkey, Cascade: cascade}, &ok)
}

// Send delivers an event payload to one peer, or to all when pubkey is
// empty.
func (c *Client) Send(ctx context.Context, pubkey string, payload json.RawMessage) (*SendResponse, error) {
	var res SendResponse
	if err := c.post(ctx, "/send", SendRequest{Pubkey: pubkey, Payload: payload}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost"+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://localhost"+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
