// Package client is the shared Go client for the cirrusd HTTP API,
// used by the cirrus CLI. It replaces per-command unix socket
// boilerplate.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xfeldman/cirrus/internal/config"
)

// Client talks to cirrusd over a unix socket.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client connected to the cirrusd unix socket at
// socketPath.
func New(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					d.Timeout = 5 * time.Second
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 0, // no timeout for streaming
		},
		baseURL: "http://cirrus",
	}
}

// NewDefault creates a client using the default socket path.
func NewDefault() *Client {
	return New(config.DefaultConfig().SocketPath)
}

// APIError is an error response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string { return e.Message }

// ProgressFunc receives launch progress lines.
type ProgressFunc func(kind string, percent int)

// Launch creates an instance, relaying stream progress through onProgress.
func (c *Client) Launch(ctx context.Context, req LaunchRequest, onProgress ProgressFunc) (*Instance, error) {
	resp, err := c.doRaw(ctx, "POST", "/v1/instances", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for dec.More() {
		var event LaunchEvent
		if err := dec.Decode(&event); err != nil {
			return nil, fmt.Errorf("decode launch stream: %w", err)
		}
		switch event.Type {
		case "progress":
			if onProgress != nil {
				onProgress(event.Kind, event.Percent)
			}
		case "result":
			return event.Instance, nil
		case "error":
			return nil, &APIError{StatusCode: http.StatusInternalServerError, Message: event.Error}
		}
	}
	return nil, fmt.Errorf("launch stream ended without a result")
}

// List returns every instance, including soft-deleted ones.
func (c *Client) List(ctx context.Context) ([]Instance, error) {
	var out []Instance
	if err := c.doJSON(ctx, "GET", "/v1/instances", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Info returns one instance.
func (c *Client) Info(ctx context.Context, name string) (*Instance, error) {
	var out Instance
	if err := c.doJSON(ctx, "GET", "/v1/instances/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// batch invokes one of the lifecycle verbs over names; empty names
// means every applicable instance.
func (c *Client) batch(ctx context.Context, verb string, names []string) ([]OpOutcome, error) {
	var out []OpOutcome
	if err := c.doJSON(ctx, "POST", "/v1/"+verb, NamesRequest{Names: names}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Start starts the named instances, or all when names is empty.
func (c *Client) Start(ctx context.Context, names []string) ([]OpOutcome, error) {
	return c.batch(ctx, "start", names)
}

// Stop stops the named instances, or all when names is empty.
func (c *Client) Stop(ctx context.Context, names []string) ([]OpOutcome, error) {
	return c.batch(ctx, "stop", names)
}

// Restart restarts the named instances. The context bounds only this
// client's wait: cancelling it abandons the reply, not the operation.
func (c *Client) Restart(ctx context.Context, names []string) ([]OpOutcome, error) {
	return c.batch(ctx, "restart", names)
}

// Suspend suspends the named instances.
func (c *Client) Suspend(ctx context.Context, names []string) ([]OpOutcome, error) {
	return c.batch(ctx, "suspend", names)
}

// Delete soft-deletes an instance; purge removes it outright.
func (c *Client) Delete(ctx context.Context, name string, purge bool) error {
	path := "/v1/instances/" + url.PathEscape(name)
	if purge {
		path += "?purge=true"
	}
	return c.doJSON(ctx, "DELETE", path, nil, nil)
}

// Recover reverses a soft delete.
func (c *Client) Recover(ctx context.Context, name string) error {
	return c.doJSON(ctx, "POST", "/v1/instances/"+url.PathEscape(name)+"/recover", nil, nil)
}

// Purge permanently removes all soft-deleted instances.
func (c *Client) Purge(ctx context.Context) error {
	return c.doJSON(ctx, "POST", "/v1/purge", nil, nil)
}

// Find lists available workflows.
func (c *Client) Find(ctx context.Context) ([]Workflow, error) {
	var out []Workflow
	if err := c.doJSON(ctx, "GET", "/v1/find", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Networks lists host interfaces usable for bridging.
func (c *Client) Networks(ctx context.Context) ([]NetworkInterface, error) {
	var out []NetworkInterface
	if err := c.doJSON(ctx, "GET", "/v1/networks", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SSHInfo returns connection details for a running instance.
func (c *Client) SSHInfo(ctx context.Context, name string) (*SSHDetails, error) {
	var out SSHDetails
	if err := c.doJSON(ctx, "GET", "/v1/instances/"+url.PathEscape(name)+"/ssh-info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Mount records a host directory mount in an instance.
func (c *Client) Mount(ctx context.Context, name, sourcePath, targetPath string) error {
	body := MountRequest{SourcePath: sourcePath, TargetPath: targetPath}
	return c.doJSON(ctx, "POST", "/v1/instances/"+url.PathEscape(name)+"/mounts", body, nil)
}

// Umount removes the mount at targetPath, or all mounts when empty.
func (c *Client) Umount(ctx context.Context, name, targetPath string) error {
	path := "/v1/instances/" + url.PathEscape(name) + "/mounts"
	if targetPath != "" {
		path += "?target=" + url.QueryEscape(targetPath)
	}
	return c.doJSON(ctx, "DELETE", path, nil, nil)
}

// Version returns the daemon build version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out VersionResponse
	if err := c.doJSON(ctx, "GET", "/v1/version", nil, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// doJSON makes a JSON request and decodes the JSON response into
// result. A nil result discards the response body.
func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	resp, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// doRaw makes an HTTP request and returns the raw response. Caller is
// responsible for closing resp.Body.
func (c *Client) doRaw(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

// parseError reads an error response body and returns an APIError.
func parseError(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
