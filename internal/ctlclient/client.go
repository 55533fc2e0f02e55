// Package ctlclient is a Go client for the simulator's HTTP control API.
package ctlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/holla2040/sensorsim/internal/control"
	"github.com/holla2040/sensorsim/internal/eventlog"
	"github.com/holla2040/sensorsim/internal/registers"
	"github.com/holla2040/sensorsim/internal/spike"
)

// APIError is a non-2xx response from the simulator.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Client talks to one simulator.
type Client struct {
	base string
	http *http.Client
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New creates a client for the simulator at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Status returns the full simulator status.
func (c *Client) Status(ctx context.Context) (*control.Status, error) {
	var st control.Status
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Info is the simulator's identity and unit layout.
type Info struct {
	Identity    map[string]string `json:"identity"`
	Version     string            `json:"version"`
	ModbusAddr  string            `json:"modbus_addr"`
	Units       []int             `json:"units"`
	SignalNames map[int][]string  `json:"signal_names"`
}

// Info returns the simulator's identity and signal names.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.do(ctx, http.MethodGet, "/api/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Registers returns one unit's register block.
func (c *Client) Registers(ctx context.Context, unit int) (*control.UnitRegisters, error) {
	var regs control.UnitRegisters
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/units/%d/registers", unit), nil, &regs); err != nil {
		return nil, err
	}
	return &regs, nil
}

type disabledResponse struct {
	Disabled []int `json:"disabled"`
}

// Disable forces a signal to zero and returns the unit's disabled set.
func (c *Client) Disable(ctx context.Context, unit, index int) ([]int, error) {
	var out disabledResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/units/%d/signals/%d/disable", unit, index), nil, &out)
	return out.Disabled, err
}

// Enable re-enables a signal and returns the unit's disabled set.
func (c *Client) Enable(ctx context.Context, unit, index int) ([]int, error) {
	var out disabledResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/units/%d/signals/%d/enable", unit, index), nil, &out)
	return out.Disabled, err
}

// SetBase replaces a unit's eight base values.
func (c *Client) SetBase(ctx context.Context, unit int, values []int) ([]int, error) {
	var out struct {
		BaseHighs []int `json:"base_highs"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/units/%d/base", unit), map[string][]int{"values": values}, &out)
	return out.BaseHighs, err
}

// Pause sets the global pause state.
func (c *Client) Pause(ctx context.Context, paused bool) (bool, error) {
	var out struct {
		Paused bool `json:"paused"`
	}
	err := c.do(ctx, http.MethodPost, "/api/pause", map[string]bool{"paused": paused}, &out)
	return out.Paused, err
}

// PauseUnit sets one unit's pause state.
func (c *Client) PauseUnit(ctx context.Context, unit int, paused bool) (bool, error) {
	var out struct {
		Paused bool `json:"paused"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/units/%d/pause", unit), map[string]bool{"paused": paused}, &out)
	return out.Paused, err
}

// Params applies upd to a unit's waveform parameters and returns the result.
// An empty update only reads them.
func (c *Client) Params(ctx context.Context, unit int, upd registers.ParamsUpdate) (*registers.Params, error) {
	var out struct {
		Params registers.Params `json:"params"`
	}
	path := fmt.Sprintf("/api/units/%d/params", unit)
	var err error
	if upd.IsEmpty() {
		err = c.do(ctx, http.MethodGet, path, nil, &out)
	} else {
		err = c.do(ctx, http.MethodPost, path, upd, &out)
	}
	if err != nil {
		return nil, err
	}
	return &out.Params, nil
}

// Spike injects a timed overlay.
func (c *Client) Spike(ctx context.Context, req control.SpikeRequest) (*control.SpikeResult, error) {
	var res control.SpikeResult
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/units/%d/spikes", req.Unit), req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Spikes lists the active spikes.
func (c *Client) Spikes(ctx context.Context) ([]spike.Spike, error) {
	var out []spike.Spike
	err := c.do(ctx, http.MethodGet, "/api/spikes", nil, &out)
	return out, err
}

// Events returns up to limit journaled control events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]eventlog.Entry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []eventlog.Entry
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Report streams the PDF status report to w.
func (c *Client) Report(ctx context.Context, w io.Writer) error {
	resp, err := c.send(ctx, http.MethodGet, "/api/report.pdf", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("reading report: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

// send performs the request and turns non-2xx responses into an *APIError.
func (c *Client) send(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	return resp, nil
}
