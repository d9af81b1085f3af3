package connection

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentroom/internal/agent"
	"github.com/ashureev/agentroom/internal/audio"
	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/meeting"
)

type fakeTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

// fakeScheduler records timers and fires them only when asked.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimerHandle struct {
	s *fakeScheduler
	t *fakeTimer
}

func (h fakeTimerHandle) Stop() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	active := !h.t.stopped && !h.t.fired
	h.t.stopped = true
	return active
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	s.timers = append(s.timers, t)
	return fakeTimerHandle{s: s, t: t}
}

func (s *fakeScheduler) pending() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

// fireNext runs the oldest pending timer with the given delay.
func (s *fakeScheduler) fireNext(t *testing.T, d time.Duration) {
	t.Helper()
	s.mu.Lock()
	var next *fakeTimer
	for _, tm := range s.timers {
		if !tm.stopped && !tm.fired && tm.delay == d {
			next = tm
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	s.mu.Unlock()

	if next == nil {
		t.Fatalf("no pending %v timer", d)
	}
	next.f()
}

type fakeMeeting struct {
	mu      sync.Mutex
	calls   []string
	joinErr error
}

func (m *fakeMeeting) record(op string) {
	m.mu.Lock()
	m.calls = append(m.calls, op)
	m.mu.Unlock()
}

func (m *fakeMeeting) Join(context.Context) error {
	m.record("join")
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joinErr
}

func (m *fakeMeeting) Leave(context.Context) error     { m.record("leave"); return nil }
func (m *fakeMeeting) End(context.Context) error       { m.record("end"); return nil }
func (m *fakeMeeting) ToggleMic(context.Context) error { m.record("toggle_mic"); return nil }

func (m *fakeMeeting) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == op {
			n++
		}
	}
	return n
}

type fakeAgents struct {
	mu        sync.Mutex
	invites   int
	leaves    int
	inviteErr error
	removal   agent.RemovalResult
}

func (a *fakeAgents) InviteAgent(context.Context, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invites++
	return a.inviteErr
}

func (a *fakeAgents) LeaveAgent(context.Context, string) agent.RemovalResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leaves++
	return a.removal
}

func (a *fakeAgents) counts() (invites, leaves int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.invites, a.leaves
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type runnerFixture struct {
	r      *Runner
	sched  *fakeScheduler
	meet   *fakeMeeting
	agents *fakeAgents
	left   chan string
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		sched:  &fakeScheduler{},
		meet:   &fakeMeeting{},
		agents: &fakeAgents{removal: agent.RemovalResult{Outcome: agent.OutcomeRemoved}},
		left:   make(chan string, 1),
	}
	f.r = NewRunner(RunnerConfig{
		ID:          "s1",
		MeetingID:   "m1",
		OwnerID:     "owner",
		Machine:     DefaultConfig(),
		CallTimeout: time.Second,
		Agents:      f.agents,
		Classifier:  agent.NewMatcher(agent.DefaultNamePatterns),
		Scheduler:   f.sched,
		Audio:       audio.MonitorConfig{FrameInterval: 2 * time.Millisecond},
		OnDisconnected: func(id string) {
			f.left <- id
		},
	})
	t.Cleanup(f.r.Close)
	return f
}

func (f *runnerFixture) phase() domain.Phase {
	return f.r.Snapshot().Phase
}

// join connects, fires the settle timer and acknowledges the join.
func (f *runnerFixture) join(t *testing.T) {
	t.Helper()
	f.r.Attach(f.meet)
	f.r.Connect()
	waitFor(t, "settle timer", func() bool { return len(f.sched.pending()) == 1 })
	f.sched.fireNext(t, 2*time.Second)
	waitFor(t, "join call", func() bool { return f.meet.count("join") == 1 })
	f.r.HandleMeetingEvent(meeting.MeetingJoined{LocalParticipantID: "local"})
	waitFor(t, "joined", func() bool { return f.phase() == domain.PhaseJoined })
}

func TestRunnerJoinInvitesAgentAndTearsDown(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.join(t)

	waitFor(t, "invite accepted", func() bool { return f.r.Snapshot().Invitation.Invited })
	if invites, _ := f.agents.counts(); invites != 1 {
		t.Fatalf("expected one invite, got %d", invites)
	}

	f.r.HandleMeetingEvent(meeting.ParticipantJoined{Participant: domain.Participant{ID: "local", DisplayName: "Haley Agent"}})
	f.r.HandleMeetingEvent(meeting.ParticipantJoined{Participant: domain.Participant{ID: "a1", DisplayName: "Haley Agent"}})
	waitFor(t, "agent joined", func() bool { return f.r.Snapshot().Invitation.Joined })
	if got := f.r.Snapshot().AgentParticipantID; got != "a1" {
		t.Fatalf("expected local participant never classified as agent, got %q", got)
	}
	if got := domain.DeriveStatus(f.r.Snapshot()); got != domain.StatusListening {
		t.Fatalf("expected listening, got %s", got)
	}

	f.r.Disconnect()
	waitFor(t, "end call", func() bool { return f.meet.count("end") == 1 })
	if _, leaves := f.agents.counts(); leaves != 1 {
		t.Fatalf("expected one removal, got %d", leaves)
	}
	if f.meet.count("leave") != 0 {
		t.Fatal("expected end instead of leave when an agent was invited")
	}

	f.r.HandleMeetingEvent(meeting.MeetingLeft{})
	select {
	case id := <-f.left:
		if id != "s1" {
			t.Fatalf("unexpected session id %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected disconnect notification")
	}
	if f.phase() != domain.PhaseLeft {
		t.Fatalf("expected left, got %s", f.phase())
	}
}

func TestRunnerJoinWaitsForRelay(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.r.Connect()
	waitFor(t, "settle timer", func() bool { return len(f.sched.pending()) == 1 })
	f.sched.fireNext(t, 2*time.Second)
	waitFor(t, "settle consumed", func() bool { return len(f.sched.pending()) == 0 })

	f.r.Attach(f.meet)
	waitFor(t, "join call", func() bool { return f.meet.count("join") == 1 })
	if s := f.r.Snapshot(); s.Phase != domain.PhaseJoining || s.LastError != nil {
		t.Fatalf("expected a clean joining session, got %+v", s)
	}

	f.r.HandleMeetingEvent(meeting.MeetingJoined{LocalParticipantID: "local"})
	waitFor(t, "joined", func() bool { return f.phase() == domain.PhaseJoined })
}

func TestRunnerRelayReattachResumesJoin(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.r.Attach(f.meet)
	f.r.Detach(f.meet)
	f.r.Connect()
	waitFor(t, "settle timer", func() bool { return len(f.sched.pending()) == 1 })
	f.sched.fireNext(t, 2*time.Second)
	waitFor(t, "settle consumed", func() bool { return len(f.sched.pending()) == 0 })
	if f.meet.count("join") != 0 {
		t.Fatal("expected no join while detached")
	}

	other := &fakeMeeting{}
	f.r.Attach(other)
	waitFor(t, "join on new relay", func() bool { return other.count("join") == 1 })
	if f.r.Snapshot().LastError != nil {
		t.Fatalf("unexpected error %+v", f.r.Snapshot().LastError)
	}
}

func TestRunnerTransientErrorRetries(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.r.Attach(f.meet)
	f.r.Connect()
	waitFor(t, "settle timer", func() bool { return len(f.sched.pending()) == 1 })
	f.sched.fireNext(t, 2*time.Second)
	waitFor(t, "join call", func() bool { return f.meet.count("join") == 1 })

	f.r.HandleMeetingEvent(meeting.Error{Message: "Insufficient resources to join"})
	waitFor(t, "retrying", func() bool { return f.phase() == domain.PhaseRetrying })
	if got := f.r.Snapshot().LastError.Message; got != domain.MsgServerOverloaded {
		t.Fatalf("unexpected message %q", got)
	}

	f.sched.fireNext(t, 5*time.Second)
	waitFor(t, "rejoin timer", func() bool { return slices.Contains(f.sched.pending(), time.Second) })
	if got := f.r.Snapshot().RetryCount; got != 1 {
		t.Fatalf("expected retry count 1, got %d", got)
	}

	f.sched.fireNext(t, time.Second)
	waitFor(t, "rejoin", func() bool { return f.meet.count("join") == 2 })
}

func TestRunnerJoinCallErrorReported(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.meet.joinErr = errors.New("Invalid token")
	f.r.Attach(f.meet)
	f.r.Connect()
	waitFor(t, "settle timer", func() bool { return len(f.sched.pending()) == 1 })
	f.sched.fireNext(t, 2*time.Second)

	waitFor(t, "join error", func() bool { return f.r.Snapshot().LastError != nil })
	if got := f.r.Snapshot().LastError.Message; got != "Invalid token" {
		t.Fatalf("unexpected message %q", got)
	}

	f.meet.mu.Lock()
	f.meet.joinErr = nil
	f.meet.mu.Unlock()
	if !f.r.Retry() {
		t.Fatal("expected retry to be accepted")
	}
	waitFor(t, "rejoin timer", func() bool { return slices.Contains(f.sched.pending(), time.Second) })
	f.sched.fireNext(t, time.Second)
	waitFor(t, "second join", func() bool { return f.meet.count("join") == 2 })
}

func TestRunnerInviteFailureRecorded(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.agents.inviteErr = errors.New("status 503")
	f.join(t)

	waitFor(t, "agent error", func() bool { return f.r.Snapshot().AgentError != nil })
	s := f.r.Snapshot()
	if s.AgentError.Kind != domain.ErrorKindInviteFailure || s.Invitation.Invited {
		t.Fatalf("unexpected snapshot %+v", s)
	}

	f.agents.mu.Lock()
	f.agents.inviteErr = nil
	f.agents.mu.Unlock()
	f.r.InviteAgent()
	waitFor(t, "reinvite", func() bool { return f.r.Snapshot().Invitation.Invited })
}

func TestRunnerToggleMic(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.join(t)
	if !f.r.Snapshot().MicEnabled {
		t.Fatal("expected mic enabled after join")
	}

	f.r.ToggleMic()
	waitFor(t, "toggle call", func() bool { return f.meet.count("toggle_mic") == 1 })
	if f.r.Snapshot().MicEnabled {
		t.Fatal("expected mic disabled")
	}
}

func loudPCM(n int) []byte {
	r := rand.New(rand.NewSource(42))
	buf := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		v := int16(r.Intn(65536) - 32768)
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

func TestRunnerAgentSpeaking(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.join(t)
	waitFor(t, "invite accepted", func() bool { return f.r.Snapshot().Invitation.Invited })

	f.r.HandleMeetingEvent(meeting.ParticipantJoined{Participant: domain.Participant{ID: "a1", DisplayName: "Agent"}})
	f.r.HandleMeetingEvent(meeting.StreamEnabled{ParticipantID: "a1", Kind: meeting.StreamAudio})

	// The track is cleared when monitoring starts, so keep feeding it.
	pcm := loudPCM(1024)
	waitFor(t, "speaking", func() bool {
		f.r.WriteAgentAudio(pcm)
		return f.r.Snapshot().AgentSpeaking
	})
	if got := domain.DeriveStatus(f.r.Snapshot()); got != domain.StatusSpeaking {
		t.Fatalf("expected speaking, got %s", got)
	}

	f.r.HandleMeetingEvent(meeting.StreamDisabled{ParticipantID: "a1", Kind: meeting.StreamAudio})
	waitFor(t, "silent", func() bool { return !f.r.Snapshot().AgentSpeaking })
}

func TestRunnerDropsAudioOutsideAgentStream(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.join(t)
	waitFor(t, "invite accepted", func() bool { return f.r.Snapshot().Invitation.Invited })

	pcm := loudPCM(256)
	f.r.WriteAgentAudio(pcm)
	if n := f.r.track.Filled(); n != 0 {
		t.Fatalf("expected audio dropped before any agent stream, got %d samples", n)
	}

	f.r.HandleMeetingEvent(meeting.ParticipantJoined{Participant: domain.Participant{ID: "h1", DisplayName: "Sam"}})
	f.r.HandleMeetingEvent(meeting.StreamEnabled{ParticipantID: "h1", Kind: meeting.StreamAudio})
	f.r.HandleMeetingEvent(meeting.ParticipantJoined{Participant: domain.Participant{ID: "a1", DisplayName: "Agent"}})
	waitFor(t, "agent joined", func() bool { return f.r.Snapshot().AgentParticipantID == "a1" })
	f.r.WriteAgentAudio(pcm)
	if n := f.r.track.Filled(); n != 0 {
		t.Fatalf("expected a human stream not to open capture, got %d samples", n)
	}

	f.r.HandleMeetingEvent(meeting.StreamEnabled{ParticipantID: "a1", Kind: meeting.StreamAudio})
	waitFor(t, "capture", func() bool {
		f.r.WriteAgentAudio(pcm)
		return f.r.track.Filled() > 0
	})

	f.r.HandleMeetingEvent(meeting.StreamDisabled{ParticipantID: "a1", Kind: meeting.StreamAudio})
	waitFor(t, "capture stopped", func() bool { return !f.r.capturing.Load() })
	f.r.track.Clear()
	f.r.WriteAgentAudio(pcm)
	if n := f.r.track.Filled(); n != 0 {
		t.Fatalf("expected audio dropped after the stream closed, got %d samples", n)
	}
}

func TestRunnerSubscribeReceivesCurrentThenUpdates(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	ch, cancel := f.r.Subscribe()
	defer cancel()

	first := <-ch
	if first.Phase != domain.PhaseIdle || first.ID != "s1" {
		t.Fatalf("unexpected initial snapshot %+v", first)
	}

	f.r.Connect()
	select {
	case s := <-ch:
		if s.Phase != domain.PhaseJoining {
			t.Fatalf("expected joining, got %s", s.Phase)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an update after connect")
	}
}

func TestRunnerClosedRejectsDispatch(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.r.Close()
	if f.r.Connect() {
		t.Fatal("expected dispatch to fail after close")
	}
	select {
	case <-f.r.Done():
	default:
		t.Fatal("expected done to be closed")
	}
}
