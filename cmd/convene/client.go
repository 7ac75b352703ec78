package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aixgo-dev/convene/internal/api"
)

func defaultServerURL() string {
	if u := os.Getenv("CONVENE_SERVER"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

// adminClient talks to the admin API of a running server.
type adminClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func newAdminClient(base, apiKey string) *adminClient {
	return &adminClient{
		base:   strings.TrimSuffix(base, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Code   string
	Msg    string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Msg)
}

func (c *adminClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var er api.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			return &apiError{Status: resp.StatusCode, Code: er.Code, Msg: er.Error}
		}
		return &apiError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(data))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func sessionPath(ref string) (string, error) {
	ns, id, ok := strings.Cut(ref, "/")
	if !ok || ns == "" || id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("session must be given as namespace/id, got %q", ref)
	}
	return "/api/v1/sessions/" + url.PathEscape(ns) + "/" + url.PathEscape(id), nil
}
