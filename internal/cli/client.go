package cli

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	defaultServerURL = "http://127.0.0.1:37710"
	httpTimeout      = 5 * time.Second
)

// client talks to a running strata server.
type client struct {
	http      *http.Client
	serverURL string
}

// newClient creates a CLI HTTP client.
// Respects STRATA_URL env var, falls back to http://127.0.0.1:37710.
func newClient() *client {
	url := os.Getenv("STRATA_URL")
	if url == "" {
		url = defaultServerURL
	}
	return &client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: url,
	}
}

// post sends a POST request with JSON body. Returns response body.
func (c *client) post(path string, body []byte) ([]byte, error) {
	resp, err := c.http.Post(c.serverURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return data, fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, data)
	}
	return data, nil
}

// get sends a GET request. Returns response body.
func (c *client) get(path string) ([]byte, error) {
	resp, err := c.http.Get(c.serverURL + path)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return data, fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, data)
	}
	return data, nil
}
