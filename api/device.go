package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"payment_emulator/parser"
)

type ConnectRequest struct {
	DeviceCode     string `json:"deviceCode"`
	BatteryLevel   int    `json:"batteryLevel"`
	NetworkInfo    string `json:"networkInfo"`
	DeviceModel    string `json:"deviceModel"`
	AndroidVersion string `json:"androidVersion"`
	AppVersion     string `json:"appVersion"`
}

type connectResponse struct {
	Status  string `json:"status"`
	Token   string `json:"token"`
	Message string `json:"message"`
}

// Notification is a simulated phone notification pushed on behalf of a device.
type Notification struct {
	PackageName string `json:"packageName"`
	AppName     string `json:"appName"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
	Priority    int    `json:"priority"`
	Category    string `json:"category"`
}

// ConnectDevice exchanges a device code for a session token.
func (c *Client) ConnectDevice(ctx context.Context, req ConnectRequest) (string, error) {
	var resp connectResponse
	if _, err := c.do(ctx, request{method: http.MethodPost, path: "/device/connect", body: req}, &resp); err != nil {
		return "", err
	}
	if resp.Status != "success" || resp.Token == "" {
		msg := resp.Message
		if msg == "" {
			msg = "connect rejected"
		}
		return "", fmt.Errorf("device connect: %s", msg)
	}
	return resp.Token, nil
}

// Ping is the cheap liveness call. token may be empty.
func (c *Client) Ping(ctx context.Context, token string) error {
	req := request{method: http.MethodGet, path: "/device/ping", timeout: c.shortTimeout}
	if token != "" {
		req.headers = deviceHeader(token)
	}
	_, err := c.do(ctx, req, nil)
	return err
}

func (c *Client) HealthCheck(ctx context.Context, token string, battery int) error {
	if token == "" {
		return ErrEmptyToken
	}
	_, err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/device/health-check",
		headers: deviceHeader(token),
		timeout: c.shortTimeout,
		body: map[string]interface{}{
			"batteryLevel": battery,
			"timestamp":    time.Now().UnixMilli(),
		},
	}, nil)
	return err
}

func (c *Client) UpdateInfo(ctx context.Context, token string, battery int, network string, speed int) error {
	if token == "" {
		return ErrEmptyToken
	}
	_, err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/device/info/update",
		headers: bearer(token),
		body: map[string]interface{}{
			"batteryLevel":  battery,
			"networkInfo":   network,
			"timestamp":     time.Now().UnixMilli(),
			"ethernetSpeed": speed,
		},
	}, nil)
	return err
}

// LongPoll blocks until the backend pushes an event or the long-poll timeout
// passes. A client-side timeout is reported as a PollTimeout event, not an
// error; only the caller's own cancellation or a real failure is an error.
func (c *Client) LongPoll(ctx context.Context, token string, battery, speed int) (parser.PollEvent, error) {
	if token == "" {
		return parser.PollEvent{}, ErrEmptyToken
	}
	var raw json.RawMessage
	_, err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/device/long-poll",
		headers: deviceHeader(token),
		timeout: c.longPollTimeout,
		body: map[string]interface{}{
			"batteryLevel": battery,
			"networkSpeed": speed,
			"timestamp":    time.Now().UnixMilli(),
		},
	}, &raw)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return parser.PollEvent{Status: parser.PollTimeout}, nil
		}
		return parser.PollEvent{}, err
	}
	return parser.ParsePollEvent(raw)
}

func (c *Client) SendNotification(ctx context.Context, token string, n Notification) error {
	if token == "" {
		return ErrEmptyToken
	}
	_, err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/device/notification",
		headers: bearer(token),
		body:    n,
	}, nil)
	return err
}
