package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultClientTimeout bounds every relay request.
const DefaultClientTimeout = 5 * time.Second

// ErrNotPublished is returned while the master has no rendezvous payload to serve.
var ErrNotPublished = errors.New("relay: rendezvous payload not published")

// Client talks to a relay server. Every call takes the relay base URL.
type Client struct {
	client *http.Client
}

// NewClient returns a client whose requests time out after timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{client: &http.Client{Timeout: timeout}}
}

// FetchRendezvous fetches the sealed rendezvous payload, sending checksum
// so the master can confirm both sides agree on the amount.
func (c *Client) FetchRendezvous(ctx context.Context, baseURL, checksum string) (string, error) {
	endpoint := strings.TrimRight(baseURL, "/") + "/?checksum=" + url.QueryEscape(checksum)
	body, status, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusOK:
		sealed := strings.TrimSpace(string(body))
		if sealed == "" {
			return "", ErrNotPublished
		}
		return sealed, nil
	case http.StatusNotFound:
		return "", ErrNotPublished
	default:
		return "", fmt.Errorf("fetch rendezvous: unexpected status %d", status)
	}
}

// RegisterParties adds parties to a ceremony session.
func (c *Client) RegisterParties(ctx context.Context, baseURL, session string, parties []string) error {
	return c.postJSON(ctx, sessionURL(baseURL, session), parties, http.StatusCreated)
}

// Parties lists the parties registered for a session.
func (c *Client) Parties(ctx context.Context, baseURL, session string) ([]string, error) {
	var parties []string
	if err := c.getJSON(ctx, sessionURL(baseURL, session), &parties); err != nil {
		return nil, err
	}
	return parties, nil
}

// MarkComplete records that party finished the ceremony.
func (c *Client) MarkComplete(ctx context.Context, baseURL, session, party string) error {
	return c.postJSON(ctx, completeURL(baseURL, session), []string{party}, http.StatusOK)
}

// Completed lists the parties that finished the ceremony.
func (c *Client) Completed(ctx context.Context, baseURL, session string) ([]string, error) {
	var parties []string
	if err := c.getJSON(ctx, completeURL(baseURL, session), &parties); err != nil {
		return nil, err
	}
	return parties, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, in interface{}, want int) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	_, status, err := c.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return err
	}
	if status != want {
		return fmt.Errorf("post %s: unexpected status %d", endpoint, status)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	body, status, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("get %s: unexpected status %d", endpoint, status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return raw, res.StatusCode, nil
}

func sessionURL(baseURL, session string) string {
	return strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(session)
}

func completeURL(baseURL, session string) string {
	return strings.TrimRight(baseURL, "/") + "/complete/" + url.PathEscape(session)
}
