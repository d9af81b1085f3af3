package backend

import (
	"errors"
	"testing"
)

func TestJoinRequestValidate(t *testing.T) {
	t.Parallel()

	base := JoinRequest{MeetingID: "m-1", Token: "tok", PipelineType: "gemini-live-2.5-flash-preview"}
	cascading := base
	cascading.PipelineType = PipelineCascading
	cascading.STT, cascading.LLM, cascading.TTS = "deepgram", "openai", "elevenlabs"

	tests := []struct {
		name    string
		mutate  func(r *JoinRequest)
		from    JoinRequest
		wantErr error
	}{
		{name: "realtime model id", from: base},
		{name: "openai", from: base, mutate: func(r *JoinRequest) { r.PipelineType = PipelineOpenAI }},
		{name: "aws", from: base, mutate: func(r *JoinRequest) { r.PipelineType = PipelineAWS }},
		{name: "cascading", from: cascading},
		{name: "missing meeting", from: base, mutate: func(r *JoinRequest) { r.MeetingID = "" }, wantErr: ErrMissingMeetingID},
		{name: "missing token", from: base, mutate: func(r *JoinRequest) { r.Token = "" }, wantErr: ErrMissingToken},
		{name: "missing pipeline", from: base, mutate: func(r *JoinRequest) { r.PipelineType = "" }, wantErr: ErrMissingPipeline},
		{name: "unknown stt", from: cascading, mutate: func(r *JoinRequest) { r.STT = "whisper" }, wantErr: ErrUnknownProvider},
		{name: "unknown llm", from: cascading, mutate: func(r *JoinRequest) { r.LLM = "elevenlabs" }, wantErr: ErrUnknownProvider},
		{name: "missing tts", from: cascading, mutate: func(r *JoinRequest) { r.TTS = "" }, wantErr: ErrUnknownProvider},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := tc.from
			if tc.mutate != nil {
				tc.mutate(&req)
			}
			err := req.Validate()
			if tc.wantErr == nil && err != nil {
				t.Fatalf("expected valid request, got %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestJoinRequestSpec(t *testing.T) {
	t.Parallel()

	off := false
	req := JoinRequest{MeetingID: "m-1", Token: "tok", PipelineType: "google", STT: "deepgram", Personality: "Custom"}
	spec := req.Spec()
	if !spec.Detection {
		t.Fatal("expected detection to default on")
	}
	if spec.STT != "" {
		t.Fatalf("expected providers dropped for realtime pipelines, got %q", spec.STT)
	}

	req.Detection = &off
	req.PipelineType = PipelineCascading
	spec = req.Spec()
	if spec.Detection || spec.STT != "deepgram" {
		t.Fatalf("unexpected spec %+v", spec)
	}

	env := spec.Env()
	if env["DETECTION"] != "false" || env["STT"] != "deepgram" || env["MEETING_ID"] != "m-1" {
		t.Fatalf("unexpected env %v", env)
	}
	if _, ok := env["MCP_URL"]; ok {
		t.Fatal("expected empty MCP_URL to be omitted")
	}
}
