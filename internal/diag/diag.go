// Package diag probes a running harness server over HTTP and reports what a
// browser client would encounter: reachability, advertised ICE configuration,
// offer/answer negotiation and the guarded-send test surface.
package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Status is the outcome of one probe.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

type ProbeResult struct {
	Name   string
	Status Status
	Err    error
}

type Summary struct {
	Results []ProbeResult
}

// Passed reports whether no probe failed. Warnings still pass.
func (s Summary) Passed() bool {
	for _, r := range s.Results {
		if r.Status == StatusFailed {
			return false
		}
	}
	return true
}

// minimalOfferSDP is just enough SDP to exercise the offer endpoint. It names
// an audio section so strict parsers have something to chew on; the probe does
// not complete ICE.
const minimalOfferSDP = `v=0
o=- 123456789 123456789 IN IP4 127.0.0.1
s=-
t=0 0
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=rtcp:9 IN IP4 0.0.0.0
a=ice-ufrag:test
a=ice-pwd:testpassword
a=fingerprint:sha-256 00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00
a=setup:actpass
a=mid:audio
a=sendrecv
a=rtcp-mux
a=rtpmap:111 opus/48000/2
a=fmtp:111 minptime=10;useinbandfec=1
`

const defaultProbeTimeout = 10 * time.Second

// Client runs the diagnostic probe sequence against one server.
type Client struct {
	baseURL  string
	http     *http.Client
	reporter Reporter

	probeTimeout time.Duration
	now          func() time.Time
}

func NewClient(baseURL string, reporter Reporter) *Client {
	if reporter == nil {
		reporter = nopReporter{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{},
		reporter:     reporter,
		probeTimeout: defaultProbeTimeout,
		now:          time.Now,
	}
}

// Run executes every probe in order. A connectivity failure short-circuits:
// the remaining probes are reported as skipped since their results would only
// restate that the server is down.
func (c *Client) Run(ctx context.Context) Summary {
	var summary Summary

	record := func(name string, status Status, err error) {
		summary.Results = append(summary.Results, ProbeResult{Name: name, Status: status, Err: err})
	}

	c.reporter.Probe("server connectivity")
	if err := c.probeConnectivity(ctx); err != nil {
		c.reporter.Failf("server unreachable: %v", err)
		record("connectivity", StatusFailed, err)
		for _, name := range []string{"config", "offer", "channel test", "status"} {
			record(name, StatusSkipped, nil)
		}
		return summary
	}
	c.reporter.Successf("server is reachable")
	record("connectivity", StatusOK, nil)

	c.reporter.Probe("configuration endpoint")
	status, err := c.probeConfig(ctx)
	if err != nil {
		c.reporter.Failf("configuration probe failed: %v", err)
	}
	record("config", status, err)

	c.reporter.Probe("offer endpoint")
	status, webrtcID, err := c.probeOffer(ctx)
	if err != nil {
		c.reporter.Failf("offer probe failed: %v", err)
	}
	record("offer", status, err)

	c.reporter.Probe("channel send test")
	status, err = c.probeChannelTest(ctx, webrtcID)
	if err != nil {
		c.reporter.Failf("channel test probe failed: %v", err)
	}
	record("channel test", status, err)

	c.reporter.Probe("status endpoint")
	status, err = c.probeStatus(ctx)
	if err != nil {
		c.reporter.Failf("status probe failed: %v", err)
	}
	record("status", status, err)

	return summary
}

func (c *Client) probeConnectivity(ctx context.Context) error {
	resp, err := c.get(ctx, "/")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET / returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) probeConfig(ctx context.Context) (Status, error) {
	resp, err := c.get(ctx, "/openavatarchat/initconfig")
	if err != nil {
		return StatusFailed, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusFailed, fmt.Errorf("config endpoint returned status %d", resp.StatusCode)
	}

	var cfg struct {
		RTCConfiguration struct {
			ICEServers []struct {
				URLs any `json:"urls"`
			} `json:"iceServers"`
		} `json:"rtc_configuration"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return StatusFailed, fmt.Errorf("config endpoint returned invalid JSON: %w", err)
	}

	servers := cfg.RTCConfiguration.ICEServers
	if len(servers) == 0 {
		c.reporter.Warnf("no ICE servers configured, connections may fail to establish")
		return StatusWarning, nil
	}
	c.reporter.Successf("found %d ICE server(s)", len(servers))

	var hasSTUN, hasTURN bool
	for _, server := range servers {
		for _, u := range serverURLs(server.URLs) {
			if strings.HasPrefix(u, "stun:") || strings.HasPrefix(u, "stuns:") {
				hasSTUN = true
			}
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				hasTURN = true
			}
		}
	}

	result := StatusOK
	if hasSTUN {
		c.reporter.Successf("STUN server(s) configured")
	} else {
		c.reporter.Warnf("no STUN servers found, NAT traversal may fail")
		result = StatusWarning
	}
	if hasTURN {
		c.reporter.Successf("TURN server(s) configured")
	} else {
		c.reporter.Warnf("no TURN servers found, restrictive firewalls may block the connection")
		result = StatusWarning
	}
	return result, nil
}

func serverURLs(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []any:
		urls := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				urls = append(urls, s)
			}
		}
		return urls
	default:
		return nil
	}
}

// probeOffer negotiates a throwaway session and returns its webrtc_id so the
// channel test probe can target the session it just created.
func (c *Client) probeOffer(ctx context.Context) (Status, string, error) {
	webrtcID := fmt.Sprintf("debug-test-%d", c.now().Unix())
	body := map[string]any{
		"webrtc_id": webrtcID,
		"type":      "offer",
		"sdp":       minimalOfferSDP,
	}

	resp, err := c.post(ctx, "/webrtc/offer", body)
	if err != nil {
		return StatusFailed, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusFailed, "", fmt.Errorf("offer endpoint returned status %d", resp.StatusCode)
	}

	var answer struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return StatusFailed, "", fmt.Errorf("offer endpoint returned invalid JSON: %w", err)
	}
	if answer.Type != "answer" || answer.SDP == "" {
		return StatusFailed, "", fmt.Errorf("offer endpoint returned %q with %d byte sdp", answer.Type, len(answer.SDP))
	}

	c.reporter.Successf("offer accepted, received %d byte answer", len(answer.SDP))
	return StatusOK, webrtcID, nil
}

// probeChannelTest targets the session negotiated by the offer probe. When
// that probe produced no session it falls back to a broadcast test of
// whatever channels the server already has.
func (c *Client) probeChannelTest(ctx context.Context, webrtcID string) (Status, error) {
	var resp *http.Response
	var err error
	if webrtcID != "" {
		resp, err = c.post(ctx, "/test", map[string]any{"webrtc_id": webrtcID})
	} else {
		resp, err = c.get(ctx, "/test")
	}
	if err != nil {
		return StatusFailed, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusFailed, fmt.Errorf("test endpoint returned status %d", resp.StatusCode)
	}

	var report struct {
		TestResults []struct {
			WebRTCID     string `json:"webrtc_id"`
			Success      bool   `json:"success"`
			ChannelState string `json:"channel_state"`
		} `json:"test_results"`
		TotalChannels int `json:"total_channels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return StatusFailed, fmt.Errorf("test endpoint returned invalid JSON: %w", err)
	}

	failures := 0
	for _, r := range report.TestResults {
		if !r.Success {
			failures++
			c.reporter.Warnf("send to %s rejected (channel_state=%s)", r.WebRTCID, r.ChannelState)
		}
	}

	if report.TotalChannels == 0 {
		c.reporter.Warnf("no DataChannels attached, nothing to send through")
		return StatusWarning, nil
	}
	if failures > 0 {
		c.reporter.Warnf("%d of %d test sends rejected", failures, len(report.TestResults))
		return StatusWarning, nil
	}
	c.reporter.Successf("all %d test sends delivered", len(report.TestResults))
	return StatusOK, nil
}

func (c *Client) probeStatus(ctx context.Context) (Status, error) {
	resp, err := c.get(ctx, "/status")
	if err != nil {
		return StatusFailed, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusFailed, fmt.Errorf("status endpoint returned status %d", resp.StatusCode)
	}

	var status struct {
		Engine       string `json:"engine"`
		Connections  int    `json:"connections"`
		DataChannels int    `json:"data_channels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return StatusFailed, fmt.Errorf("status endpoint returned invalid JSON: %w", err)
	}

	c.reporter.Successf("engine=%s connections=%d data_channels=%d",
		status.Engine, status.Connections, status.DataChannels)
	return StatusOK, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	// The probe timeout stays armed until the caller closes the body.
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
