package meeting

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNoRoomID is returned when the rooms API answers without a room id.
	ErrNoRoomID = errors.New("rooms api returned no roomId")
	// ErrTimeout is returned when the rooms API does not answer in time.
	ErrTimeout = errors.New("rooms api timed out")
)

// RoomsClient creates meeting rooms through the VideoSDK REST API.
type RoomsClient struct {
	baseURL       string
	token         string
	autoCloseSecs int
	httpClient    *http.Client
	logger        *slog.Logger
}

// RoomsClientConfig holds RoomsClient settings.
type RoomsClientConfig struct {
	BaseURL          string
	Token            string
	AutoCloseSeconds int
	Timeout          time.Duration
}

// NewRoomsClient creates a rooms client. A nil httpClient uses a client with cfg.Timeout.
func NewRoomsClient(cfg RoomsClientConfig, httpClient *http.Client, logger *slog.Logger) *RoomsClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.AutoCloseSeconds <= 0 {
		cfg.AutoCloseSeconds = 300
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &RoomsClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		autoCloseSecs: cfg.AutoCloseSeconds,
		httpClient:    httpClient,
		logger:        logger,
	}
}

type autoCloseConfig struct {
	Type     string `json:"type"`
	Duration int    `json:"duration"`
}

type createRoomRequest struct {
	AutoCloseConfig autoCloseConfig `json:"autoCloseConfig"`
}

type createRoomResponse struct {
	RoomID string `json:"roomId"`
}

// CreateRoom creates a room that closes itself once the session ends.
func (c *RoomsClient) CreateRoom(ctx context.Context) (string, error) {
	ctx, span := otel.Tracer("agentroom/meeting").Start(ctx, "create_room", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	body, err := json.Marshal(createRoomRequest{
		AutoCloseConfig: autoCloseConfig{
			Type:     "session-end-and-deactivate",
			Duration: c.autoCloseSecs,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal create room request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/rooms", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build create room request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if isTimeout(err) {
			return "", fmt.Errorf("create room: %w", ErrTimeout)
		}
		return "", fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if isTimeout(err) {
			return "", fmt.Errorf("read create room response: %w", ErrTimeout)
		}
		return "", fmt.Errorf("read create room response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
		return "", fmt.Errorf("create room: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out createRoomResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode create room response: %w", err)
	}
	if out.RoomID == "" {
		return "", ErrNoRoomID
	}

	c.logger.Info("Room created", "meeting_id", out.RoomID)
	return out.RoomID, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
