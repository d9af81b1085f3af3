package backend

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakePipeline struct {
	mu       sync.Mutex
	starts   []map[string]any
	stops    []string
	events   []map[string]any
	hold     bool
	stopCode codes.Code
}

func (f *fakePipeline) startAgent(stream grpc.ServerStream) error {
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	f.mu.Lock()
	f.starts = append(f.starts, in.AsMap())
	events, hold := f.events, f.hold
	f.mu.Unlock()

	for _, ev := range events {
		msg, err := structpb.NewStruct(ev)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	if hold {
		<-stream.Context().Done()
	}
	return nil
}

func (f *fakePipeline) stopAgent(in *structpb.Struct) (*structpb.Struct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, in.GetFields()["meeting_id"].GetStringValue())
	if f.stopCode != codes.OK {
		return nil, status.Error(f.stopCode, "stop failed")
	}
	return &structpb.Struct{}, nil
}

var pipelineServiceDesc = grpc.ServiceDesc{
	ServiceName: pipelineService,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "StopAgent",
		Handler: func(srv any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(*fakePipeline).stopAgent(in)
		},
	}},
	Streams: []grpc.StreamDesc{{
		StreamName:    "StartAgent",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(*fakePipeline).startAgent(stream)
		},
	}},
}

func newPipelineFixture(t *testing.T, fp *fakePipeline) *PipelineRunner {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&pipelineServiceDesc, fp)
	hs := health.NewServer()
	hs.SetServingStatus(pipelineService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultPipelineConfig("passthrough:///bufnet")
	runner, err := NewPipelineRunner(cfg, nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("NewPipelineRunner: %v", err)
	}
	t.Cleanup(runner.Close)
	return runner
}

func TestPipelineRunnerStart(t *testing.T) {
	t.Parallel()

	fp := &fakePipeline{events: []map[string]any{
		{"state": "starting"},
		{"state": "running", "worker_id": "w-1"},
	}}
	runner := newPipelineFixture(t, fp)

	var workerID string
	spec := AgentSpec{MeetingID: "m-1", Token: "tok", PipelineType: "google", Detection: true,
		OnStarted: func(id string) { workerID = id }}
	if err := runner.Start(context.Background(), spec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if workerID != "w-1" {
		t.Fatalf("expected started callback with w-1, got %q", workerID)
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	got := fp.starts[0]
	if got["meeting_id"] != "m-1" || got["pipeline_type"] != "google" || got["detection"] != true {
		t.Fatalf("unexpected start request %v", got)
	}
	if _, ok := got["stt"]; ok {
		t.Fatal("expected empty providers omitted")
	}
}

func TestPipelineRunnerStartError(t *testing.T) {
	t.Parallel()

	runner := newPipelineFixture(t, &fakePipeline{events: []map[string]any{
		{"state": "error", "message": "unknown model"},
	}})
	err := runner.Start(context.Background(), AgentSpec{MeetingID: "m-1"})
	if !errors.Is(err, errPipelineFailed) || !strings.Contains(err.Error(), "unknown model") {
		t.Fatalf("expected pipeline failure, got %v", err)
	}
}

func TestPipelineRunnerStartCanceled(t *testing.T) {
	t.Parallel()

	runner := newPipelineFixture(t, &fakePipeline{
		events: []map[string]any{{"state": "running", "worker_id": "w-1"}},
		hold:   true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- runner.Start(ctx, AgentSpec{MeetingID: "m-1", OnStarted: func(string) { close(started) }})
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker start")
	}
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestPipelineRunnerStop(t *testing.T) {
	t.Parallel()

	fp := &fakePipeline{}
	runner := newPipelineFixture(t, fp)
	ctx := context.Background()

	if err := runner.Stop(ctx, "m-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	fp.mu.Lock()
	fp.stopCode = codes.NotFound
	fp.mu.Unlock()
	if err := runner.Stop(ctx, "m-2"); err != nil {
		t.Fatalf("expected not found to be ignored, got %v", err)
	}

	fp.mu.Lock()
	fp.stopCode = codes.Internal
	fp.mu.Unlock()
	if err := runner.Stop(ctx, "m-3"); err == nil {
		t.Fatal("expected internal error")
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if strings.Join(fp.stops, ",") != "m-1,m-2,m-3" {
		t.Fatalf("unexpected stops %v", fp.stops)
	}
}

func TestPipelineRunnerHealth(t *testing.T) {
	t.Parallel()

	runner := newPipelineFixture(t, &fakePipeline{})
	if err := runner.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}
