package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/agentroom/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Client talks to the agent backend over HTTP.
type Client struct {
	joinURL    string
	leaveURL   string
	timeout    time.Duration
	httpClient *http.Client
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// ClientConfig holds Client settings.
type ClientConfig struct {
	// APIBaseURL hosts /join-agent.
	APIBaseURL string
	// AgentBaseURL hosts /leave-agent.
	AgentBaseURL string
	Timeout      time.Duration
}

// NewClient creates an agent backend client. A nil httpClient uses http.DefaultClient;
// every call is bounded by cfg.Timeout regardless.
func NewClient(cfg ClientConfig, httpClient *http.Client, metrics *telemetry.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		joinURL:    strings.TrimRight(cfg.APIBaseURL, "/") + "/join-agent",
		leaveURL:   strings.TrimRight(cfg.AgentBaseURL, "/") + "/leave-agent",
		timeout:    cfg.Timeout,
		httpClient: httpClient,
		metrics:    metrics,
		logger:     logger,
	}
}

// Invite posts a join-agent request. Any 2xx answer means the invite was accepted.
func (c *Client) Invite(ctx context.Context, req InviteRequest) error {
	ctx, span := otel.Tracer("agentroom/agent").Start(ctx, "join_agent", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("meeting_id", req.MeetingID))

	code, body, err := c.post(ctx, "join_agent", c.joinURL, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Int("http.status_code", code))
	if code < 200 || code >= 300 {
		span.SetStatus(codes.Error, "non-2xx")
		return &StatusError{Op: "join agent", Code: code, Body: body}
	}
	return nil
}

type leaveRequest struct {
	MeetingID string `json:"meeting_id"`
}

type leaveResponse struct {
	Status    string `json:"status"`
	MeetingID string `json:"meeting_id"`
	Message   string `json:"message"`
}

// Remove posts a leave-agent request and maps the answer to an outcome.
func (c *Client) Remove(ctx context.Context, meetingID string) RemovalResult {
	ctx, span := otel.Tracer("agentroom/agent").Start(ctx, "leave_agent", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("meeting_id", meetingID))

	res := c.remove(ctx, meetingID)
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	if res.Outcome == OutcomeFailed || res.Outcome == OutcomeTimeout {
		span.SetStatus(codes.Error, res.Message)
	}
	return res
}

func (c *Client) remove(ctx context.Context, meetingID string) RemovalResult {
	code, body, err := c.post(ctx, "leave_agent", c.leaveURL, leaveRequest{MeetingID: meetingID})
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return RemovalResult{Outcome: OutcomeTimeout, Message: "leave-agent request timed out"}
		}
		return RemovalResult{Outcome: OutcomeFailed, Message: err.Error()}
	}
	if code < 200 || code >= 300 {
		return RemovalResult{Outcome: OutcomeFailed, Message: fmt.Sprintf("leave-agent returned status %d", code)}
	}

	var resp leaveResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return RemovalResult{Outcome: OutcomeFailed, Message: "invalid leave-agent response"}
	}

	switch resp.Status {
	case "removed", "success":
		msg := resp.Message
		if msg == "" {
			msg = "agent removed"
		}
		return RemovalResult{Outcome: OutcomeRemoved, Message: msg}
	case "not_found":
		msg := resp.Message
		if msg == "" {
			msg = "no agent session for meeting"
		}
		return RemovalResult{Outcome: OutcomeNotFound, Message: msg}
	default:
		msg := resp.Message
		if msg == "" {
			msg = fmt.Sprintf("unexpected leave-agent status %q", resp.Status)
		}
		return RemovalResult{Outcome: OutcomeFailed, Message: msg}
	}
}

// post sends a JSON body and returns the status code and a bounded copy of the
// response body. Deadline expiry is reported as ErrTimeout.
func (c *Client) post(ctx context.Context, op, url string, payload any) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("marshal %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, "", fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.BackendLatency(ctx, op, time.Since(start))
	if err != nil {
		if isTimeout(err) {
			return 0, "", fmt.Errorf("%s: %w", op, ErrTimeout)
		}
		return 0, "", fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		if isTimeout(err) {
			return 0, "", fmt.Errorf("%s: %w", op, ErrTimeout)
		}
		return 0, "", fmt.Errorf("read %s response: %w", op, err)
	}
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
