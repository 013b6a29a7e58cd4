// Package remote is the HTTP client for an envault server. It implements
// store.RemoteStore over the server's entity endpoints and maps HTTP statuses
// back onto the store error vocabulary, so the sync layer never sees HTTP.
package remote

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

	"envault/internal/audit"
	"envault/internal/auth"
	"envault/internal/keystore"
	"envault/internal/store"
)

const defaultTimeout = 30 * time.Second

// Client talks to one envault server. Safe for concurrent use once logged in;
// Login and SetToken must not race with requests.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) SetToken(token string) { c.token = token }

// Register announces the key's public identity to the server and returns the
// stored version of the user entity. Registering the same identity again
// succeeds with the existing record.
func (c *Client) Register(ctx context.Context, email string, ks *keystore.KeyStore) (int64, error) {
	body := struct {
		Email string             `json:"email"`
		Key   keystore.PublicKey `json:"key"`
	}{Email: email, Key: ks.Public()}

	var resp struct {
		KeyID   string `json:"key_id"`
		Version int64  `json:"version"`
	}
	if err := c.post(ctx, "/api/register", body, &resp); err != nil {
		return 0, err
	}
	if resp.KeyID != ks.ID() {
		return 0, fmt.Errorf("remote: server registered key %s, expected %s", resp.KeyID, ks.ID())
	}
	return resp.Version, nil
}

// Login signs the current timestamp and exchanges it for a bearer token,
// which is attached to every subsequent request.
func (c *Client) Login(ctx context.Context, ks *keystore.KeyStore) error {
	now := time.Now().Unix()
	req := auth.LoginRequest{
		KeyID:      ks.ID(),
		SigningKey: ks.Public().Signing,
		Timestamp:  now,
		Signature:  ks.Sign(auth.LoginMessage(ks.ID(), now)),
	}

	var resp auth.LoginResponse
	if err := c.post(ctx, "/api/login", req, &resp); err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

func (c *Client) GetVersion(ctx context.Context, id string) (int64, error) {
	var resp struct {
		Version int64 `json:"version"`
	}
	if err := c.get(ctx, "/api/version?id="+url.QueryEscape(id), &resp); err != nil {
		return 0, err
	}
	return resp.Version, nil
}

func (c *Client) GetEntity(ctx context.Context, id string) (store.Entity, error) {
	var resp struct {
		ID      string `json:"id"`
		Payload []byte `json:"payload"`
		Version int64  `json:"version"`
	}
	if err := c.get(ctx, "/api/entity?id="+url.QueryEscape(id), &resp); err != nil {
		return store.Entity{}, err
	}
	return store.Entity{ID: resp.ID, Payload: resp.Payload, Version: resp.Version}, nil
}

func (c *Client) PutEntity(ctx context.Context, id string, payload []byte, expectedVersion int64) (int64, error) {
	body := struct {
		ID              string `json:"id"`
		Payload         []byte `json:"payload"`
		ExpectedVersion int64  `json:"expected_version"`
	}{ID: id, Payload: payload, ExpectedVersion: expectedVersion}

	var resp struct {
		Version int64 `json:"version"`
	}
	if err := c.put(ctx, "/api/entity", body, &resp); err != nil {
		return 0, err
	}
	return resp.Version, nil
}

func (c *Client) ListEntities(ctx context.Context, scope string) ([]string, error) {
	var resp struct {
		IDs []string `json:"ids"`
	}
	if err := c.get(ctx, "/api/entities?scope="+url.QueryEscape(scope), &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// Audit fetches the server's verified audit chain.
func (c *Client) Audit(ctx context.Context) ([]audit.Entry, error) {
	var entries []audit.Entry
	if err := c.get(ctx, "/api/audit", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

var _ store.RemoteStore = (*Client)(nil)

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return store.ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return store.ErrStaleWrite
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: server returned %s", store.ErrUnavailable, resp.Status)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remote: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ErrUnauthorized covers both a missing or expired token and a write the
// server's stored grants refuse.
var ErrUnauthorized = errors.New("remote: not authorized")
