package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	pipelineService  = "agent.v1.PipelineService"
	startAgentMethod = "/" + pipelineService + "/StartAgent"
	stopAgentMethod  = "/" + pipelineService + "/StopAgent"
)

var startAgentStream = grpc.StreamDesc{StreamName: "StartAgent", ServerStreams: true}

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errPipelineFailed           = errors.New("pipeline worker failed")
)

// PipelineConfig holds configuration for the pipeline service client.
type PipelineConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultPipelineConfig returns default configuration for addr.
func DefaultPipelineConfig(addr string) PipelineConfig {
	return PipelineConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// PipelineRunner runs agent workers on the pipeline service over gRPC.
// Messages are structpb.Struct values, so no generated stubs are needed.
type PipelineRunner struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewPipelineRunner connects to the pipeline service. It fails fast when the
// service is not reachable within cfg.ConnectTimeout.
func NewPipelineRunner(cfg PipelineConfig, logger *slog.Logger, opts ...grpc.DialOption) (*PipelineRunner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pipeline service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("pipeline service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to pipeline service", "address", cfg.Address)

	return &PipelineRunner{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *PipelineRunner) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the pipeline service through the standard gRPC health protocol.
func (c *PipelineRunner) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: pipelineService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("pipeline service is %s", resp.GetStatus())
	}
	return nil
}

// Start opens a StartAgent stream and follows the worker's state events until
// the stream ends.
func (c *PipelineRunner) Start(ctx context.Context, spec AgentSpec) error {
	req, err := structpb.NewStruct(specFields(spec))
	if err != nil {
		return fmt.Errorf("encode start request: %w", err)
	}

	stream, err := c.conn.NewStream(ctx, &startAgentStream, startAgentMethod)
	if err != nil {
		return fmt.Errorf("start agent request failed: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("send start request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close start request: %w", err)
	}

	for {
		ev := &structpb.Struct{}
		err := stream.RecvMsg(ev)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("start agent stream error: %w", err)
		}

		fields := ev.GetFields()
		switch state := fields["state"].GetStringValue(); state {
		case "running":
			spec.Started(fields["worker_id"].GetStringValue())
		case "error":
			msg := fields["message"].GetStringValue()
			if msg == "" {
				return errPipelineFailed
			}
			return fmt.Errorf("%w: %s", errPipelineFailed, msg)
		default:
			c.logger.Debug("Pipeline worker event", "meeting_id", spec.MeetingID, "state", state)
		}
	}
}

// Stop asks the pipeline service to stop the meeting's worker.
func (c *PipelineRunner) Stop(ctx context.Context, meetingID string) error {
	req, err := structpb.NewStruct(map[string]any{"meeting_id": meetingID})
	if err != nil {
		return fmt.Errorf("encode stop request: %w", err)
	}
	if err := c.conn.Invoke(ctx, stopAgentMethod, req, &structpb.Struct{}); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("stop agent request failed: %w", err)
	}
	return nil
}

func specFields(spec AgentSpec) map[string]any {
	fields := map[string]any{
		"meeting_id":    spec.MeetingID,
		"token":         spec.Token,
		"pipeline_type": spec.PipelineType,
		"personality":   spec.Personality,
		"system_prompt": spec.SystemPrompt,
		"detection":     spec.Detection,
	}
	for k, v := range map[string]string{"stt": spec.STT, "llm": spec.LLM, "tts": spec.TTS, "mcp_url": spec.MCPURL} {
		if v != "" {
			fields[k] = v
		}
	}
	return fields
}
