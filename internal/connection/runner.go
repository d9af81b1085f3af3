package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/agentroom/internal/agent"
	"github.com/ashureev/agentroom/internal/audio"
	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/meeting"
	"github.com/ashureev/agentroom/internal/telemetry"
)

// errRelayNotConnected is reported when a join is issued but no browser relay is attached.
var errRelayNotConnected = errors.New("meeting relay is not connected")

// Agents invites and removes the AI agent.
type Agents interface {
	InviteAgent(ctx context.Context, meetingID string) error
	LeaveAgent(ctx context.Context, meetingID string) agent.RemovalResult
}

// Classifier assigns participant roles.
type Classifier interface {
	Classify(p domain.Participant, localID string) domain.Participant
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	ID        string
	MeetingID string
	OwnerID   string

	Machine     Config
	CallTimeout time.Duration
	Agents      Agents
	Classifier  Classifier
	Scheduler   Scheduler
	Audio       audio.MonitorConfig
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
	Now         func() time.Time

	// OnChange is called from the runner goroutine with every published snapshot.
	OnChange func(domain.Session)
	// OnDisconnected is called once the session reaches left.
	OnDisconnected func(id string)
}

type streamChanged struct {
	participantID string
	kind          string
	enabled       bool
}

type audioSampled struct {
	gen    uint64
	active bool
}

func (streamChanged) event() {}
func (audioSampled) event()  {}

// Runner owns one session. Events are processed one at a time, in arrival
// order, on a single goroutine; external calls run on their own goroutines and
// report back as events.
type Runner struct {
	cfg    RunnerConfig
	logger *slog.Logger

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the loop goroutine.
	state      State
	timers     map[uint64]Timer
	backlog    []Event
	streams    map[string]bool
	monitoring bool
	monitorGen uint64

	track     *audio.TrackBuffer
	monitor   *audio.Monitor
	gen       atomic.Uint64
	speaking  atomic.Bool
	capturing atomic.Bool
	firstPCM  atomic.Bool

	mu           sync.RWMutex
	meeting      meeting.Session
	localID      string
	snapshot     domain.Session
	lastActivity time.Time
	subs         map[int]chan domain.Session
	nextSub      int
}

// NewRunner creates a runner and starts its event loop.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = RealScheduler{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Machine == (Config{}) {
		cfg.Machine = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := cfg.Now()
	r := &Runner{
		cfg:     cfg,
		logger:  cfg.Logger.With("session_id", cfg.ID, "meeting_id", cfg.MeetingID),
		events:  make(chan Event, 64),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   State{Phase: domain.PhaseIdle},
		timers:  make(map[uint64]Timer),
		streams: make(map[string]bool),
		track:   audio.NewTrackBuffer(4096, 48000),
		snapshot: domain.Session{
			ID:        cfg.ID,
			OwnerID:   cfg.OwnerID,
			MeetingID: cfg.MeetingID,
			Phase:     domain.PhaseIdle,
			CreatedAt: now,
			UpdatedAt: now,
		},
		lastActivity: now,
		subs:         make(map[int]chan domain.Session),
	}
	r.monitor = audio.NewMonitor(cfg.Audio, r.onSample, r.logger)

	go r.loop()
	return r
}

// ID returns the session id.
func (r *Runner) ID() string {
	return r.cfg.ID
}

// MeetingID returns the meeting id.
func (r *Runner) MeetingID() string {
	return r.cfg.MeetingID
}

// Snapshot returns the latest published snapshot.
func (r *Runner) Snapshot() domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// LastActivity returns when a user command or meeting event last arrived.
func (r *Runner) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

// Done is closed when the runner has stopped.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Dispatch queues an event. It returns false once the runner is closed.
func (r *Runner) Dispatch(ev Event) bool {
	select {
	case <-r.ctx.Done():
		return false
	default:
	}
	select {
	case r.events <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// Connect starts joining the meeting.
func (r *Runner) Connect() bool { return r.command(Connect{}) }

// Disconnect tears the session down.
func (r *Runner) Disconnect() bool { return r.command(Disconnect{}) }

// Retry requests a manual retry.
func (r *Runner) Retry() bool { return r.command(ManualRetry{}) }

// ToggleMic flips the local microphone.
func (r *Runner) ToggleMic() bool { return r.command(ToggleMic{}) }

// InviteAgent requests an agent invite if none is outstanding.
func (r *Runner) InviteAgent() bool { return r.command(RequestInvite{}) }

func (r *Runner) command(ev Event) bool {
	r.touch()
	return r.Dispatch(ev)
}

// Attach binds the meeting SDK handle used for effects. A join held for want
// of a relay is issued once the handle is bound.
func (r *Runner) Attach(s meeting.Session) {
	r.mu.Lock()
	r.meeting = s
	r.mu.Unlock()
	r.touch()
	r.logger.Info("Meeting relay attached")
	r.Dispatch(RelayAttached{})
}

// Detach unbinds s if it is still the current handle.
func (r *Runner) Detach(s meeting.Session) {
	r.mu.Lock()
	current := r.meeting == s
	if current {
		r.meeting = nil
	}
	r.mu.Unlock()

	if current {
		r.logger.Info("Meeting relay detached")
		r.Dispatch(RelayDetached{})
	}
}

// HandleMeetingEvent translates a meeting SDK event into state machine input.
func (r *Runner) HandleMeetingEvent(ev meeting.Event) {
	r.touch()

	switch e := ev.(type) {
	case meeting.MeetingJoined:
		if e.LocalParticipantID != "" {
			r.mu.Lock()
			r.localID = e.LocalParticipantID
			r.mu.Unlock()
		}
		r.Dispatch(JoinSucceeded{})
	case meeting.MeetingLeft:
		r.Dispatch(JoinLeft{})
	case meeting.ParticipantJoined:
		if p := r.classify(e.Participant); p.Role != domain.RoleLocal {
			r.Dispatch(ParticipantJoined{Participant: p})
		}
	case meeting.ParticipantLeft:
		if p := r.classify(e.Participant); p.Role != domain.RoleLocal {
			r.Dispatch(ParticipantLeft{Participant: p})
		}
	case meeting.Error:
		r.logger.Warn("Meeting error", "message", e.Message)
		r.Dispatch(JoinFailed{Message: e.Message})
	case meeting.StreamEnabled:
		r.Dispatch(streamChanged{participantID: e.ParticipantID, kind: e.Kind, enabled: true})
	case meeting.StreamDisabled:
		r.Dispatch(streamChanged{participantID: e.ParticipantID, kind: e.Kind, enabled: false})
	default:
		r.logger.Debug("Ignoring meeting event", "event", ev.Name())
	}
}

// WriteAgentAudio feeds PCM16LE audio from the agent's track. Frames are
// dropped unless the agent's audio stream is being monitored.
func (r *Runner) WriteAgentAudio(pcm []byte) {
	if !r.capturing.Load() {
		return
	}
	if r.firstPCM.CompareAndSwap(true, false) {
		rms, peak := audio.Levels(pcm)
		r.logger.Debug("Agent audio flowing", "bytes", len(pcm), "rms", rms, "peak", peak,
			"sample_rate", r.track.SampleRate())
	}
	r.track.Write(pcm)
}

// SetAudioFormat records the sample rate of the agent's track.
func (r *Runner) SetAudioFormat(sampleRate int) {
	r.track.SetSampleRate(sampleRate)
}

// Subscribe returns a channel of snapshots, starting with the current one. Slow
// subscribers lose intermediate snapshots, never the latest. Call the returned
// function to unsubscribe.
func (r *Runner) Subscribe() (<-chan domain.Session, func()) {
	ch := make(chan domain.Session, 8)

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	ch <- r.snapshot
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Close stops the runner and waits for its loop to exit. It does not leave the
// meeting; call Disconnect first for that.
func (r *Runner) Close() {
	r.cancel()
	<-r.done
}

func (r *Runner) classify(p domain.Participant) domain.Participant {
	if r.cfg.Classifier == nil {
		if p.Role != domain.RoleAgent {
			p.Role = domain.RoleOther
		}
		return p
	}
	r.mu.RLock()
	localID := r.localID
	r.mu.RUnlock()
	return r.cfg.Classifier.Classify(p, localID)
}

func (r *Runner) touch() {
	now := r.cfg.Now()
	r.mu.Lock()
	r.lastActivity = now
	r.mu.Unlock()
}

func (r *Runner) session() meeting.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meeting
}

func (r *Runner) loop() {
	defer close(r.done)
	defer r.teardown()

	for {
		select {
		case <-r.ctx.Done():
			return
		case ev := <-r.events:
			r.handle(ev)
			for len(r.backlog) > 0 {
				next := r.backlog[0]
				r.backlog = r.backlog[1:]
				r.handle(next)
			}
		}
	}
}

func (r *Runner) teardown() {
	for token, t := range r.timers {
		t.Stop()
		delete(r.timers, token)
	}
	if r.monitoring {
		r.monitoring = false
		r.capturing.Store(false)
		r.monitor.Stop()
	}
}

func (r *Runner) enqueue(ev Event) {
	r.backlog = append(r.backlog, ev)
}

func (r *Runner) handle(ev Event) {
	switch e := ev.(type) {
	case streamChanged:
		if e.kind != meeting.StreamAudio {
			return
		}
		if e.enabled {
			r.streams[e.participantID] = true
		} else {
			delete(r.streams, e.participantID)
		}
		r.syncAudio()
		return
	case audioSampled:
		if !r.monitoring || e.gen != r.monitorGen {
			return
		}
		ev = AgentSpeaking{Active: e.active}
	}

	if token := timerToken(ev); token != 0 {
		delete(r.timers, token)
	}

	var fx []Effect
	r.state, fx = Step(r.cfg.Machine, r.state, ev)
	for _, f := range fx {
		r.execute(f)
	}
	r.syncAudio()
}

func (r *Runner) execute(f Effect) {
	switch e := f.(type) {
	case JoinMeeting:
		r.cfg.Metrics.JoinAttempt(r.ctx)
		sess := r.session()
		if sess == nil {
			r.logger.Info("Join held until a meeting relay attaches")
			r.enqueue(JoinFailed{Message: errRelayNotConnected.Error(), RelayMissing: true})
			return
		}
		r.logger.Info("Joining meeting", "retry_count", r.state.RetryCount)
		r.call("join", sess.Join, func(err error) Event {
			return JoinFailed{Message: err.Error(), TimedOut: errors.Is(err, context.DeadlineExceeded)}
		})

	case LeaveMeeting:
		r.finalCall("leave", func(s meeting.Session) func(context.Context) error { return s.Leave })

	case EndMeeting:
		r.finalCall("end", func(s meeting.Session) func(context.Context) error { return s.End })

	case ToggleMicrophone:
		if sess := r.session(); sess != nil {
			r.call("toggle_mic", sess.ToggleMic, nil)
		}

	case InviteAgent:
		if r.cfg.Agents == nil {
			r.enqueue(InviteFailed{Message: "agent backend not configured"})
			return
		}
		meetingID := r.cfg.MeetingID
		go func() {
			ctx, cancel := context.WithTimeout(r.ctx, r.cfg.CallTimeout)
			defer cancel()
			if err := r.cfg.Agents.InviteAgent(ctx, meetingID); err != nil {
				if r.ctx.Err() != nil {
					return
				}
				r.Dispatch(InviteFailed{
					Message:  fmt.Sprintf("%s: %v", domain.MsgInviteFailed, err),
					TimedOut: errors.Is(err, agent.ErrTimeout) || errors.Is(err, context.DeadlineExceeded),
				})
				return
			}
			r.Dispatch(InviteSucceeded{})
		}()

	case RemoveAgent:
		if r.cfg.Agents == nil {
			r.enqueue(RemovalFinished{Outcome: string(agent.OutcomeFailed), Message: "agent backend not configured"})
			return
		}
		meetingID := r.cfg.MeetingID
		go func() {
			ctx, cancel := context.WithTimeout(r.ctx, r.cfg.CallTimeout)
			defer cancel()
			res := r.cfg.Agents.LeaveAgent(ctx, meetingID)
			r.Dispatch(RemovalFinished{Outcome: string(res.Outcome), Message: res.Message})
		}()

	case ScheduleTimer:
		if _, ok := e.Event.(RejoinDue); ok {
			r.cfg.Metrics.Retry(r.ctx)
			r.logger.Info("Retry scheduled", "retry_count", r.state.RetryCount, "delay", e.Delay)
		}
		ev := e.Event
		r.timers[e.Token] = r.cfg.Scheduler.AfterFunc(e.Delay, func() { r.Dispatch(ev) })

	case CancelTimer:
		if t, ok := r.timers[e.Token]; ok {
			t.Stop()
			delete(r.timers, e.Token)
		}

	case StopAgentAudio:
		r.stopAudio()

	case NotifyDisconnected:
		r.logger.Info("Session left meeting")
		if r.cfg.OnDisconnected != nil {
			go r.cfg.OnDisconnected(r.cfg.ID)
		}

	case Publish:
		r.publish()
	}
}

// call runs fn against the meeting SDK on its own goroutine, bounded by CallTimeout.
func (r *Runner) call(op string, fn func(context.Context) error, onErr func(error) Event) {
	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.CallTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.logger.Warn("Meeting call failed", "op", op, "error", err)
			if onErr != nil {
				r.Dispatch(onErr(err))
			}
		}
	}()
}

// finalCall issues a leave or end. Without a relay, or when the call fails, the
// session is torn down locally.
func (r *Runner) finalCall(op string, pick func(meeting.Session) func(context.Context) error) {
	sess := r.session()
	if sess == nil {
		r.enqueue(JoinLeft{})
		return
	}
	r.call(op, pick(sess), func(error) Event { return JoinLeft{} })
}

func (r *Runner) syncAudio() {
	agentID := r.state.AgentParticipantID
	want := agentID != "" && r.streams[agentID]

	switch {
	case want && !r.monitoring:
		r.monitorGen = r.gen.Add(1)
		r.speaking.Store(false)
		r.track.Clear()
		r.monitoring = true
		r.firstPCM.Store(true)
		r.capturing.Store(true)
		r.monitor.Start(r.ctx, r.track)
		r.logger.Debug("Agent audio monitor started", "participant_id", agentID)
	case !want && r.monitoring:
		r.stopAudio()
	}
}

func (r *Runner) stopAudio() {
	if !r.monitoring {
		return
	}
	r.monitoring = false
	r.capturing.Store(false)
	r.gen.Add(1)
	r.monitor.Stop()
	r.speaking.Store(false)
	if r.state.AgentSpeaking {
		r.enqueue(AgentSpeaking{Active: false})
	}
	r.logger.Debug("Agent audio monitor stopped")
}

// onSample runs on the monitor goroutine and forwards speaker changes only.
func (r *Runner) onSample(s domain.AudioSample) {
	gen := r.gen.Load()
	if s.ActiveSpeaker == r.speaking.Load() {
		return
	}
	select {
	case r.events <- audioSampled{gen: gen, active: s.ActiveSpeaker}:
		r.speaking.Store(s.ActiveSpeaker)
	default:
	}
}

func (r *Runner) publish() {
	now := r.cfg.Now()

	r.mu.Lock()
	snap := r.state.Snapshot(r.snapshot)
	snap.UpdatedAt = now
	r.snapshot = snap
	subs := make([]chan domain.Session, 0, len(r.subs))
	for _, ch := range r.subs {
		subs = append(subs, ch)
	}
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}

	if r.cfg.OnChange != nil {
		r.cfg.OnChange(snap)
	}
}
