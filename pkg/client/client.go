// Package client is a Go client for the otad HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Peterbackson-desing/dashboard/pkg/model"
	"github.com/Peterbackson-desing/dashboard/pkg/relay"
)

// API is the set of server operations used by the CLI and the dashboard.
type API interface {
	Login(ctx context.Context, username, password string) (*LoginResult, error)
	Health(ctx context.Context) (*Health, error)
	ListFirmware(ctx context.Context) ([]model.Artifact, error)
	Upload(ctx context.Context, filename string, r io.Reader) (*model.Artifact, error)
	Trigger(ctx context.Context, deviceID, firmwareFilename string) (*TriggerResult, error)
	OtaLogs(ctx context.Context) ([]model.OtaLogLine, error)
	RelayState(ctx context.Context) (*relay.Snapshot, error)
	SendCommand(ctx context.Context, action string, value *int) (*model.Command, error)
}

// Error is a non-2xx reply from the server.
type Error struct {
	Status  int
	Message string
	// Reason is the machine-readable failure class, e.g. "timeout".
	Reason string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s (status %d, reason %s)", msg, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s (status %d)", msg, e.Status)
}

// IsStatus reports whether err is an *Error with the given status code.
func IsStatus(err error, status int) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == status
}

type LoginResult struct {
	Token     string     `json:"token"`
	User      model.User `json:"user"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Relay     string `json:"relay,omitempty"`
}

type TriggerResult struct {
	Message     string `json:"message"`
	Device      string `json:"device"`
	FirmwareURL string `json:"firmwareUrl"`
}

// Client talks to one otad server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ API = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Token returns the bearer token in use.
func (c *Client) Token() string { return c.token }

// Login authenticates and keeps the returned token for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var res LoginResult
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &res); err != nil {
		return nil, err
	}
	c.token = res.Token
	return &res, nil
}

// Health queries the readiness probe, which also reports the relay state.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var res Health
	if err := c.do(ctx, http.MethodGet, "/readyz", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ListFirmware(ctx context.Context) ([]model.Artifact, error) {
	var res struct {
		Firmwares []model.Artifact `json:"firmwares"`
	}
	if err := c.do(ctx, http.MethodGet, "/ota/list", nil, &res); err != nil {
		return nil, err
	}
	return res.Firmwares, nil
}

// Upload streams r to the server as the multipart field "firmware".
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (*model.Artifact, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("firmware", filename)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/ota/upload", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var res struct {
		Firmware model.Artifact `json:"firmware"`
	}
	if err := c.send(req, &res); err != nil {
		pr.Close()
		return nil, err
	}
	return &res.Firmware, nil
}

func (c *Client) Trigger(ctx context.Context, deviceID, firmwareFilename string) (*TriggerResult, error) {
	var res TriggerResult
	body := map[string]string{"deviceId": deviceID, "firmwareFilename": firmwareFilename}
	if err := c.do(ctx, http.MethodPost, "/ota/trigger", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) OtaLogs(ctx context.Context) ([]model.OtaLogLine, error) {
	var res struct {
		Logs []model.OtaLogLine `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, "/ota/logs", nil, &res); err != nil {
		return nil, err
	}
	return res.Logs, nil
}

func (c *Client) RelayState(ctx context.Context) (*relay.Snapshot, error) {
	var res relay.Snapshot
	if err := c.do(ctx, http.MethodGet, "/relay/state", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) SendCommand(ctx context.Context, action string, value *int) (*model.Command, error) {
	var res struct {
		Command model.Command `json:"command"`
	}
	body := model.Command{Action: action, Value: value}
	if err := c.do(ctx, http.MethodPost, "/relay/command", body, &res); err != nil {
		return nil, err
	}
	return &res.Command, nil
}

// StreamURL returns the websocket address of the relay event stream.
func (c *Client) StreamURL() string {
	u := c.baseURL + "/relay/stream"
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	if c.token != "" {
		u += "?token=" + url.QueryEscape(c.token)
	}
	return u
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var payload struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(b, &payload) == nil && payload.Error != "" {
			apiErr.Message, apiErr.Reason = payload.Error, payload.Reason
		} else {
			apiErr.Message = strings.TrimSpace(string(b))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
