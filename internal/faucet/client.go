// ============================================================================
// Faucet API Client - Session Negotiation & Token Dispensation
// ============================================================================
//
// Package: internal/faucet
// File: client.go
// Purpose: JSON-over-HTTP client for the backend faucet service
//
// Endpoints:
//   POST /api/session                  {address}            → {salt, difficulty} | {error}
//   GET  /api/session?salt=            -                    → {address}
//   POST /api/session/validate         {value}              → {user, session} | {error}
//   POST /api/session/remove           {}                   → {status}
//   GET  /api/dispense                 -                    → {amount, asset_id}
//   POST /api/dispense?method=pow|auth {address,salt,nonce} → {status, tokens} | {error}
//
// Error Mapping:
//   - No response / connection failure     → *NetworkError
//   - Body carries a non-empty "error"     → *ApplicationError (any status)
//   - Non-2xx status with no "error" field → *NetworkError
//   - 2xx with an undecodable body         → *NetworkError
//
// Cookies:
//   The auth collaborator keeps its session in a cookie, so the client owns a
//   cookie jar and every call after ValidateSession carries it.
//
// ============================================================================

package faucet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/faucet-claim/internal/pow"
	"github.com/ChuLiYu/faucet-claim/pkg/types"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client talks to one faucet deployment.
type Client struct {
	baseURL string
	http    *http.Client
}

// DispenseInput is the body of a dispense call. Salt and Nonce are only set
// for the pow method.
type DispenseInput struct {
	Address string `json:"address"`
	Salt    string `json:"salt,omitempty"`
	Nonce   string `json:"nonce,omitempty"`
}

// ValidateResponse is returned by the auth collaborator's validate endpoint.
type ValidateResponse struct {
	User    jsoniter.RawMessage `json:"user"`
	Session jsoniter.RawMessage `json:"session"`
}

// DispenseInfo describes what a successful claim pays out.
type DispenseInfo struct {
	Amount  uint64 `json:"amount"`
	AssetID string `json:"asset_id"`
}

// NewClient creates a Client for baseURL. A zero timeout leaves requests
// bounded only by their context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
	}
}

// BaseURL returns the faucet root this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateSession negotiates a mining challenge for address. The address is
// sent as-is; validating its shape is the caller's job.
func (c *Client) CreateSession(ctx context.Context, address string) (types.Session, error) {
	const op = "create session"

	var resp struct {
		Status     string `json:"status"`
		Salt       string `json:"salt"`
		Difficulty *int64 `json:"difficulty"`
	}
	if err := c.do(ctx, op, http.MethodPost, "/api/session", map[string]string{"address": address}, &resp); err != nil {
		return types.Session{}, err
	}

	if resp.Salt == "" {
		return types.Session{}, &ApplicationError{Op: op, Message: "session response has no salt"}
	}
	if resp.Difficulty == nil || *resp.Difficulty < 0 || *resp.Difficulty > pow.MaxDifficulty {
		return types.Session{}, &ApplicationError{Op: op, Message: "session response has an invalid difficulty"}
	}

	return types.Session{
		Address:    address,
		Salt:       resp.Salt,
		Difficulty: uint16(*resp.Difficulty),
	}, nil
}

// GetSession looks up the address bound to a salt.
func (c *Client) GetSession(ctx context.Context, salt string) (string, error) {
	var resp struct {
		Address string `json:"address"`
	}
	path := "/api/session?salt=" + url.QueryEscape(salt)
	if err := c.do(ctx, "get session", http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Address, nil
}

// Dispense submits a claim. For MethodPoW the input carries salt and nonce;
// for MethodAuth only the address.
func (c *Client) Dispense(ctx context.Context, method types.DispenseMethod, in DispenseInput) (types.ClaimOutcome, error) {
	if method != types.MethodPoW && method != types.MethodAuth {
		return types.ClaimOutcome{}, fmt.Errorf("faucet: unknown dispense method %q", method)
	}
	if method == types.MethodAuth {
		in = DispenseInput{Address: in.Address}
	}

	var out types.ClaimOutcome
	path := "/api/dispense?method=" + url.QueryEscape(string(method))
	if err := c.do(ctx, "dispense", http.MethodPost, path, in, &out); err != nil {
		return types.ClaimOutcome{}, err
	}
	return out, nil
}

// DispensePoW is Dispense for a mined nonce.
func (c *Client) DispensePoW(ctx context.Context, address string, result types.WorkResult) (types.ClaimOutcome, error) {
	return c.Dispense(ctx, types.MethodPoW, DispenseInput{
		Address: address,
		Salt:    result.Salt,
		Nonce:   strconv.FormatUint(result.Nonce, 10),
	})
}

// ValidateSession hands an identity-provider session id to the faucet, which
// sets its own session cookie on success.
func (c *Client) ValidateSession(ctx context.Context, value string) (ValidateResponse, error) {
	var resp ValidateResponse
	err := c.do(ctx, "validate session", http.MethodPost, "/api/session/validate", map[string]string{"value": value}, &resp)
	return resp, err
}

// RemoveSession drops the faucet's auth session.
func (c *Client) RemoveSession(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, "remove session", http.MethodPost, "/api/session/remove", struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Info returns the faucet's dispense amount and asset.
func (c *Client) Info(ctx context.Context) (DispenseInfo, error) {
	var info DispenseInfo
	err := c.do(ctx, "dispense info", http.MethodGet, "/api/dispense", nil, &info)
	return info, err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("faucet: %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	var envelope struct {
		Error string `json:"error"`
	}
	if len(data) > 0 && json.Unmarshal(data, &envelope) == nil && envelope.Error != "" {
		return &ApplicationError{Op: op, StatusCode: resp.StatusCode, Message: envelope.Error}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &NetworkError{Op: op, StatusCode: resp.StatusCode}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
