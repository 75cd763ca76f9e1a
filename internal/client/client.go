package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	v1 "github.com/aevon-lab/groupagg/internal/api/v1"
)

// Client talks to the aggregation API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the service at baseURL, e.g. http://localhost:8080.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Aggregate posts req to /v1/aggregate.
func (c *Client) Aggregate(ctx context.Context, req *v1.AggregateRequest) (*JSONResponse[v1.AggregateResponse], error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/aggregate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	return Execute[v1.AggregateResponse](c.http, httpReq)
}
