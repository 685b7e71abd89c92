// Package services holds the HTTP plumbing shared by the remote
// collaborator clients (prediction, evaluation, document lookup).
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	errorskg "github.com/sweetpotato0/conditions-agent/errors"
)

const maxErrorBody = 2048

// StatusError is a non-2xx response from a remote service.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Body)
}

// Unwrap maps auth failures to ErrUnauthorized, 404 to ErrNotFound and
// everything else to ErrRemote.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errorskg.ErrUnauthorized
	case http.StatusNotFound:
		return errorskg.ErrNotFound
	default:
		return errorskg.ErrRemote
	}
}

// Request describes one JSON call.
type Request struct {
	Service string
	Method  string
	URL     string
	Body    any
	Header  http.Header
	// BasicAuth is applied when the username is non-empty.
	Username, Password string
}

// DoJSON sends req and decodes the JSON response into out (when non-nil).
func DoJSON(ctx context.Context, client *http.Client, req Request, out any) error {
	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Username != "" {
		httpReq.SetBasicAuth(req.Username, req.Password)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", req.Service, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		text := string(respBody)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return &StatusError{Service: req.Service, StatusCode: httpResp.StatusCode, Body: text}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", req.Service, err)
	}
	return nil
}
