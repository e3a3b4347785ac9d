package faucet

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ChuLiYu/faucet-claim/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "fuel1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqdeadbeef"

// newTestServer returns a faucet fake routing on method+path.
func newTestServer(t *testing.T, routes map[string]http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", 2*time.Second)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestNewClientTrimsBaseURL(t *testing.T) {
	c := NewClient("http://faucet.local///", 0)
	assert.Equal(t, "http://faucet.local", c.BaseURL())
}

func TestCreateSession(t *testing.T) {
	c := newTestServer(t, map[string]http.HandlerFunc{
		"POST /api/session": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, testAddress, body["address"])
			writeJSON(w, http.StatusCreated, `{"status":"Success","salt":"deadbeef","difficulty":8}`)
		},
	})

	s, err := c.CreateSession(context.Background(), testAddress)
	require.NoError(t, err)
	assert.Equal(t, types.Session{Address: testAddress, Salt: "deadbeef", Difficulty: 8}, s)
}

func TestCreateSessionApplicationError(t *testing.T) {
	c := newTestServer(t, map[string]http.HandlerFunc{
		"POST /api/session": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, `{"error":"rate_limited"}`)
		},
	})

	s, err := c.CreateSession(context.Background(), testAddress)
	require.Error(t, err)
	assert.Equal(t, types.Session{}, s)
	assert.True(t, IsApplicationError(err))
	assert.False(t, IsNetworkError(err))
	assert.Equal(t, "rate_limited", err.Error())

	var ae *ApplicationError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusTooManyRequests, ae.StatusCode)
}

func TestCreateSessionInvalidPayload(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{"missing salt", `{"difficulty":8}`},
		{"missing difficulty", `{"salt":"aa"}`},
		{"difficulty too large", `{"salt":"aa","difficulty":257}`},
		{"negative difficulty", `{"salt":"aa","difficulty":-1}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestServer(t, map[string]http.HandlerFunc{
				"POST /api/session": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, http.StatusOK, tc.body)
				},
			})
			_, err := c.CreateSession(context.Background(), testAddress)
			assert.True(t, IsApplicationError(err), "got %v", err)
		})
	}
}

func TestNetworkErrors(t *testing.T) {
	t.Run("non-success status", func(t *testing.T) {
		c := newTestServer(t, map[string]http.HandlerFunc{
			"POST /api/session": func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		})
		_, err := c.CreateSession(context.Background(), testAddress)
		var ne *NetworkError
		require.True(t, errors.As(err, &ne), "got %v", err)
		assert.Equal(t, http.StatusBadGateway, ne.StatusCode)
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c := NewClient(url, time.Second)
		_, err := c.Dispense(context.Background(), types.MethodAuth, DispenseInput{Address: testAddress})
		assert.True(t, IsNetworkError(err), "got %v", err)
	})

	t.Run("garbage body", func(t *testing.T) {
		c := newTestServer(t, map[string]http.HandlerFunc{
			"POST /api/dispense": func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, `not json`)
			},
		})
		_, err := c.Dispense(context.Background(), types.MethodAuth, DispenseInput{Address: testAddress})
		assert.True(t, IsNetworkError(err), "got %v", err)
	})
}

func TestDispensePoW(t *testing.T) {
	c := newTestServer(t, map[string]http.HandlerFunc{
		"POST /api/dispense": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "pow", r.URL.Query().Get("method"))
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, testAddress, body["address"])
			assert.Equal(t, "deadbeef", body["salt"])
			assert.Equal(t, "42", body["nonce"])
			writeJSON(w, http.StatusOK, `{"status":"ok","tokens":1}`)
		},
	})

	out, err := c.DispensePoW(context.Background(), testAddress, types.WorkResult{Salt: "deadbeef", Nonce: 42})
	require.NoError(t, err)
	assert.Equal(t, types.ClaimOutcome{Status: "ok", Tokens: 1}, out)
}

func TestDispenseAuthDropsPoWFields(t *testing.T) {
	c := newTestServer(t, map[string]http.HandlerFunc{
		"POST /api/dispense": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "auth", r.URL.Query().Get("method"))
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, map[string]any{"address": testAddress}, body)
			writeJSON(w, http.StatusOK, `{"status":"Success","tokens":10000000,"explorerLink":"https://explorer/tx/1"}`)
		},
	})

	out, err := c.Dispense(context.Background(), types.MethodAuth, DispenseInput{Address: testAddress, Salt: "x", Nonce: "1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(10000000), out.Tokens)
	assert.Equal(t, "https://explorer/tx/1", out.ExplorerLink)
}

func TestDispenseUnknownMethod(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second)
	_, err := c.Dispense(context.Background(), types.DispenseMethod("captcha"), DispenseInput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown dispense method")
}

func TestAuthCollaboratorEndpoints(t *testing.T) {
	c := newTestServer(t, map[string]http.HandlerFunc{
		"POST /api/session/validate": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body["value"] != "sess_123" {
				writeJSON(w, http.StatusUnauthorized, `{"error":"invalid session"}`)
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "faucet", Value: "user-1", Path: "/"})
			writeJSON(w, http.StatusOK, `{"user":{"id":"user-1"},"session":{"id":"sess_123"}}`)
		},
		"POST /api/session/remove": func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie("faucet")
			require.NoError(t, err, "cookie from validate must be sent back")
			assert.Equal(t, "user-1", cookie.Value)
			writeJSON(w, http.StatusOK, `{"status":"OK"}`)
		},
	})

	_, err := c.ValidateSession(context.Background(), "nope")
	assert.True(t, IsApplicationError(err))

	resp, err := c.ValidateSession(context.Background(), "sess_123")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"user-1"}`, string(resp.User))

	status, err := c.RemoveSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "OK", status)
}

func TestGetSessionAndInfo(t *testing.T) {
	c := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/session": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("salt") != "deadbeef" {
				writeJSON(w, http.StatusNotFound, `{}`)
				return
			}
			writeJSON(w, http.StatusOK, `{"address":"`+testAddress+`"}`)
		},
		"GET /api/dispense": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"amount":10000000,"asset_id":"0x00"}`)
		},
	})

	addr, err := c.GetSession(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, testAddress, addr)

	_, err = c.GetSession(context.Background(), "cafe")
	var ne *NetworkError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, http.StatusNotFound, ne.StatusCode)

	info, err := c.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DispenseInfo{Amount: 10000000, AssetID: "0x00"}, info)
}

func TestContextCancellation(t *testing.T) {
	block := make(chan struct{})
	c := newTestServer(t, map[string]http.HandlerFunc{
		"POST /api/session": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-block:
			case <-r.Context().Done():
			}
		},
	})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.CreateSession(ctx, testAddress)
	require.Error(t, err)
	assert.True(t, IsNetworkError(err), "got %v", err)
}

func TestNetworkErrorMessages(t *testing.T) {
	assert.Equal(t, "faucet: dispense: status 500", (&NetworkError{Op: "dispense", StatusCode: 500}).Error())
	assert.Equal(t, "faucet: dispense: boom", (&NetworkError{Op: "dispense", Err: errors.New("boom")}).Error())
	assert.Equal(t, "faucet: dispense: status 200: boom", (&NetworkError{Op: "dispense", StatusCode: 200, Err: errors.New("boom")}).Error())
}
