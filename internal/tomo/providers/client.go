// Package providers contains the HTTP backends that actually perform Tomo's
// actions: the bank API for payments, the mail relay, the document registry
// (new API plus its legacy predecessor) and the records search service.
//
// Every provider implements actions.Handler.  Failures are reported as
// *Error with an explicit Transient flag so the gateway and confirmation
// flow can distinguish "try again" from "give up".
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultHTTPTimeout = 15 * time.Second

// Error is a provider-level failure.
type Error struct {
	// Op names the operation that failed, e.g. "bank: create transfer".
	Op string
	// Status is the HTTP status code, zero for transport failures.
	Status int
	// Message is the upstream error detail, if any.
	Message string
	// Transient marks failures worth retrying (timeouts, 5xx, 429).
	Transient bool
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Temporary reports whether the failure is transient.
func (e *Error) Temporary() bool { return e.Transient }

// client is the shared HTTP plumbing for all providers.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, apiKey string, timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// doJSON performs a JSON request against the provider API. A non-2xx reply
// or transport failure comes back as *Error; out may be nil when the caller
// does not need the body.
func (c *client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Message: fmt.Sprintf("marshal request: %v", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &Error{Op: op, Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures (timeouts, refused connections) are transient;
		// the service may just be restarting.
		return &Error{Op: op, Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Message: "read response body", Transient: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Op:        op,
			Status:    resp.StatusCode,
			Message:   upstreamMessage(respBody),
			Transient: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &Error{Op: op, Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
		}
	}
	return nil
}

// upstreamMessage extracts the conventional {"error": "..."} detail, falling
// back to the raw body.
func upstreamMessage(body []byte) string {
	var wrapper struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error != "" {
		return wrapper.Error
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

// argString pulls a string argument from a validated action argument map.
// Validation happened upstream; a wrong type here is a programming error
// and surfaces as an empty string in the request, which the API rejects.
func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
