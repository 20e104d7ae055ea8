package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the carrier's call-control REST API. Attempt state is not
// fetched from the carrier: webhooks feed the Registry and polling reads it.
type Client struct {
	baseURL        string
	apiKey         string
	connectionID   string
	webhookURL     string
	operatorTarget string
	httpClient     *http.Client
	registry       *Registry
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL      string
	APIKey       string
	ConnectionID string
	// WebhookURL is where the carrier should push call events.
	WebhookURL string
	// OperatorTarget is the SIP address of the operator's media session.
	OperatorTarget string
	Timeout        time.Duration
}

func NewClient(opts ClientOptions, registry *Registry) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:        opts.BaseURL,
		apiKey:         opts.APIKey,
		connectionID:   opts.ConnectionID,
		webhookURL:     opts.WebhookURL,
		operatorTarget: opts.OperatorTarget,
		httpClient:     &http.Client{Timeout: timeout},
		registry:       registry,
	}
}

type startCallRequest struct {
	ConnectionID     string `json:"connection_id"`
	To               string `json:"to"`
	From             string `json:"from"`
	AnsweringMachine string `json:"answering_machine_detection"`
	WebhookURL       string `json:"webhook_url,omitempty"`
}

type callData struct {
	Data struct {
		CallControlID  string `json:"call_control_id"`
		MediaSessionID string `json:"media_session_id"`
	} `json:"data"`
}

type bridgeRequest struct {
	To       string `json:"to"`
	CallerID string `json:"caller_id"`
}

// StartDetectedCall places a call with answering-machine detection enabled.
func (c *Client) StartDetectedCall(ctx context.Context, from, to string) (string, error) {
	req := startCallRequest{
		ConnectionID:     c.connectionID,
		To:               to,
		From:             from,
		AnsweringMachine: "detect",
		WebhookURL:       c.webhookURL,
	}

	var resp callData
	if err := c.post(ctx, "/v2/calls", req, &resp); err != nil {
		return "", fmt.Errorf("start call: %w", err)
	}
	id := resp.Data.CallControlID
	if id == "" {
		return "", fmt.Errorf("start call: carrier returned no call id")
	}
	c.registry.Track(id)
	return id, nil
}

// PollAttemptStatus reads the webhook-fed registry. Unknown attempts are
// reported as not_found.
func (c *Client) PollAttemptStatus(ctx context.Context, attemptID string) (StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return StatusReport{}, err
	}
	report, ok := c.registry.Get(attemptID)
	if !ok {
		return StatusReport{Status: StatusNotFound}, nil
	}
	return report, nil
}

// Cleanup forgets the attempt. It never fails.
func (c *Client) Cleanup(_ context.Context, attemptID string) error {
	c.registry.Remove(attemptID)
	return nil
}

// BridgeToMediaSession transfers the answered leg to the operator.
func (c *Client) BridgeToMediaSession(ctx context.Context, attemptID, callerID string) (string, error) {
	if c.operatorTarget == "" {
		return "", fmt.Errorf("bridge call: no operator target configured")
	}
	var resp callData
	path := "/v2/calls/" + url.PathEscape(attemptID) + "/actions/transfer"
	if err := c.post(ctx, path, bridgeRequest{To: c.operatorTarget, CallerID: callerID}, &resp); err != nil {
		return "", fmt.Errorf("bridge call: %w", err)
	}
	if resp.Data.MediaSessionID != "" {
		return resp.Data.MediaSessionID, nil
	}
	return attemptID, nil
}

// Hangup ends a call leg. A leg the carrier no longer knows is treated as
// already hung up.
func (c *Client) Hangup(ctx context.Context, id string) error {
	path := "/v2/calls/" + url.PathEscape(id) + "/actions/hangup"
	err := c.post(ctx, path, struct{}{}, nil)
	if err != nil && !isStatus(err, http.StatusNotFound, http.StatusUnprocessableEntity) {
		return fmt.Errorf("hangup %s: %w", id, err)
	}
	return nil
}

// HealthCheck verifies the carrier API is reachable with our credentials.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/balance", nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("carrier health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("carrier health check: status %d", resp.StatusCode)
	}
	return nil
}

// StatusError is a non-2xx carrier response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

func isStatus(err error, codes ...int) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	for _, c := range codes {
		if se.Code == c {
			return true
		}
	}
	return false
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
