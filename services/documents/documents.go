// Package documents looks up classified documents in the rack-and-stack
// service.
package documents

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sweetpotato0/conditions-agent/conditions"
	errorskg "github.com/sweetpotato0/conditions-agent/errors"
	"github.com/sweetpotato0/conditions-agent/services"
)

// Config holds document lookup client configuration
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Client fetches document classification results.
type Client struct {
	config *Config
	client *http.Client
}

// New creates a document lookup client
func New(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{config: config, client: &http.Client{Timeout: config.Timeout}}
}

type batchRequest struct {
	DocumentIDs []string `json:"document_ids"`
}

type batchResponse struct {
	Documents []conditions.Document `json:"documents"`
}

// GetDocuments returns the documents for ids in service order.
func (c *Client) GetDocuments(ctx context.Context, ids []string) ([]conditions.Document, error) {
	if len(ids) == 0 {
		return []conditions.Document{}, nil
	}
	if c.config.URL == "" {
		return nil, fmt.Errorf("document service url: %w", errorskg.ErrNotConfigured)
	}

	header := http.Header{}
	if c.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	var resp batchResponse
	err := services.DoJSON(ctx, c.client, services.Request{
		Service: "documents",
		Method:  http.MethodPost,
		URL:     strings.TrimRight(c.config.URL, "/") + "/documents/batch",
		Body:    batchRequest{DocumentIDs: ids},
		Header:  header,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("get documents: %w", err)
	}
	return resp.Documents, nil
}
