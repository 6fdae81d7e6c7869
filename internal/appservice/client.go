// Package appservice is a JSON-RPC 1.1 client for batch job services that
// expose start_app, query_tasks and kill_task.
package appservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/me/calcjob/internal/fault"
)

// RPCCaller abstracts JSON-RPC 1.1 calls for testability.
type RPCCaller interface {
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// RPCError represents a JSON-RPC 1.1 error response.
type RPCError struct {
	Name    string `json:"name"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d (%s): %s", e.Code, e.Name, e.Message)
}

// HTTPError is a non-200 response from the service.
type HTTPError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("rpc call %s: HTTP %d: %s", e.Method, e.StatusCode, e.Body)
}

// ClientConfig holds service configuration.
type ClientConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token,omitempty"`
}

// rpcRequest is the JSON-RPC 1.1 request envelope.
type rpcRequest struct {
	ID      string `json:"id"`
	Method  string `json:"method"`
	Version string `json:"version"`
	Params  []any  `json:"params"`
}

// rpcResponse is the JSON-RPC 1.1 response envelope.
type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// HTTPRPCCaller implements RPCCaller using net/http. Returned errors are
// classified: network failures and 5xx responses are transient, 401/403 are
// permanent authentication failures, RPC error replies are permanent
// rejections.
//
// An expired token fails every call as a permanent authentication error
// without contacting the service.
type HTTPRPCCaller struct {
	url    string
	token  TokenInfo
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
	seq    atomic.Int64
}

// NewHTTPRPCCaller creates a caller targeting cfg.URL.
func NewHTTPRPCCaller(cfg ClientConfig, logger *slog.Logger) *HTTPRPCCaller {
	return &HTTPRPCCaller{
		url:    cfg.URL,
		token:  ParseToken(cfg.Token),
		client: &http.Client{},
		logger: logger,
		now:    time.Now,
	}
}

// Call sends a JSON-RPC 1.1 request and returns the result field.
func (c *HTTPRPCCaller) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if c.token.ExpiredAt(c.now()) {
		return nil, fault.Permanent(method, fmt.Errorf("%w: token for %q expired at %s",
			fault.ErrAuth, c.token.Username, c.token.Expiry.UTC().Format(time.RFC3339)))
	}
	id := fmt.Sprintf("calcjob-%d", c.seq.Add(1))

	body, err := json.Marshal(rpcRequest{
		ID:      id,
		Method:  method,
		Version: "1.1",
		Params:  params,
	})
	if err != nil {
		return nil, fault.Permanent(method, fmt.Errorf("marshal rpc request: %w", err))
	}

	c.logger.Debug("rpc call", "method", method, "id", id)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Permanent(method, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token.Raw != "" {
		req.Header.Set("Authorization", c.token.Raw)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fault.Transient(method, fmt.Errorf("%w: %v", fault.ErrUnavailable, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Transient(method, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		httpErr := &HTTPError{Method: method, StatusCode: resp.StatusCode, Body: string(respBody)}
		switch {
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return nil, fault.Permanent(method, errors.Join(fault.ErrAuth, httpErr))
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
			return nil, fault.Transient(method, errors.Join(fault.ErrUnavailable, httpErr))
		default:
			return nil, fault.Permanent(method, errors.Join(fault.ErrRejected, httpErr))
		}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fault.Transient(method, fmt.Errorf("unmarshal rpc response: %w", err))
	}
	if rpcResp.Error != nil {
		return nil, fault.Permanent(method, errors.Join(fault.ErrRejected, rpcResp.Error))
	}
	return rpcResp.Result, nil
}
