package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oakline/carecall/internal/audio"
	"github.com/oakline/carecall/internal/config"
	"github.com/oakline/carecall/internal/emergency"
	"github.com/oakline/carecall/internal/observability"
	"github.com/oakline/carecall/internal/realtime"
	"github.com/oakline/carecall/internal/reconnect"
	"github.com/oakline/carecall/internal/session"
	"github.com/oakline/carecall/internal/store"
	"github.com/oakline/carecall/internal/telephony"
)

// DialFunc opens a streaming connection to the remote speech endpoint.
// Injectable so tests run against scripted streams.
type DialFunc func(ctx context.Context, baseURL, model, apiKey string) (realtime.Stream, error)

// Archiver receives the debug audio capture when a call ends. Object
// storage itself lives outside this process.
type Archiver interface {
	Archive(ctx context.Context, callID string, wav []byte) error
}

// Service is the realtime call engine: it owns the call registry,
// bridges telephony audio to the remote speech endpoint, enforces
// turn-taking and transcript ordering, and recovers from transient
// connection failures.
type Service struct {
	cfg      config.Config
	registry *session.Registry
	store    store.Store
	detector emergency.Detector
	sink     telephony.Sink
	metrics  *observability.Metrics
	log      *zap.Logger
	proc     *audio.Processor

	reconnects *reconnect.Manager
	timeouts   *realtime.TimeoutGuard
	dial       DialFunc
	archiver   Archiver

	// Pending-commit table served by the shared sweep timer.
	commitMu      sync.Mutex
	commitPending map[string]time.Time
	commitRunning bool

	done     chan struct{}
	doneOnce sync.Once
}

// Option tweaks service construction.
type Option func(*Service)

// WithDialer substitutes the connection factory.
func WithDialer(d DialFunc) Option {
	return func(s *Service) { s.dial = d }
}

// WithArchiver installs the debug-audio storage collaborator.
func WithArchiver(a Archiver) Option {
	return func(s *Service) { s.archiver = a }
}

func New(
	cfg config.Config,
	registry *session.Registry,
	st store.Store,
	detector emergency.Detector,
	sink telephony.Sink,
	metrics *observability.Metrics,
	log *zap.Logger,
	opts ...Option,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		cfg:      cfg,
		registry: registry,
		store:    st,
		detector: detector,
		sink:     sink,
		metrics:  metrics,
		log:      log,
		proc: audio.NewProcessor(
			cfg.MinChunkDuration,
			cfg.MinCommitDuration,
			cfg.SilenceAmplitude,
			cfg.SilenceRunThreshold,
		),
		timeouts:      realtime.NewTimeoutGuard(),
		commitPending: make(map[string]time.Time),
		done:          make(chan struct{}),
		dial: func(ctx context.Context, baseURL, model, apiKey string) (realtime.Stream, error) {
			return realtime.Dial(ctx, baseURL, model, apiKey)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reconnects = reconnect.NewManager(
		cfg.ReconnectSweepInterval,
		cfg.ReconnectBaseDelay,
		cfg.ReconnectMaxDelay,
		s.fireReconnect,
		log.Named("reconnect"),
	)
	return s
}

// Registry exposes the call table for the ops surface.
func (s *Service) Registry() *session.Registry { return s.registry }

// Close stops the shared timers. Active calls should be disconnected
// first; Shutdown does both.
func (s *Service) Close() {
	s.doneOnce.Do(func() { close(s.done) })
	s.reconnects.Close()
}

// Shutdown disconnects every active call, then stops the engine.
func (s *Service) Shutdown(ctx context.Context) {
	var ids []string
	s.registry.ForEach(func(c *session.Call) {
		ids = append(ids, c.CallID)
	})
	for _, id := range ids {
		s.Disconnect(ctx, id)
	}
	s.Close()
}

// Initialize creates the session for a call and opens its streaming
// connection. It returns false after a full teardown when setup fails,
// and reports current session health when the call already exists.
func (s *Service) Initialize(ctx context.Context, callID, channelID, initialPrompt, patientID string) bool {
	call, err := s.registry.Create(callID, channelID, patientID, initialPrompt)
	if err != nil {
		existing, gerr := s.registry.Get(callID)
		if gerr != nil {
			return false
		}
		existing.Mu.Lock()
		healthy := existing.IsReady()
		existing.Mu.Unlock()
		s.log.Warn("initialize for existing call", zap.String("call_id", callID), zap.Bool("healthy", healthy))
		return healthy
	}

	convID, err := s.store.CreateConversation(ctx, callID, patientID)
	if err != nil {
		s.log.Error("create conversation failed", zap.String("call_id", callID), zap.Error(err))
		s.registry.Remove(callID)
		return false
	}

	call.Mu.Lock()
	call.ConversationID = convID
	call.Status = session.StatusConnecting
	call.Mu.Unlock()
	s.metrics.ActiveCalls.Inc()

	if err := s.connect(ctx, call); err != nil {
		s.log.Error("connection setup failed", zap.String("call_id", callID), zap.Error(err))
		s.teardown(ctx, call, "setup_failed")
		return false
	}

	s.metrics.CallEvents.WithLabelValues("initialized").Inc()
	return true
}

// connect dials the endpoint, arms the handshake timeout and starts the
// read loop. One timeout covers the entire connect+handshake sequence.
func (s *Service) connect(ctx context.Context, call *session.Call) error {
	call.Mu.Lock()
	callID := call.CallID
	call.Mu.Unlock()

	s.timeouts.Arm(callID, s.cfg.HandshakeTimeout, func() {
		s.onHandshakeTimeout(callID)
	})

	stream, err := s.dial(ctx, s.cfg.RealtimeURL, s.cfg.RealtimeModel, s.cfg.OpenAIAPIKey)
	if err != nil {
		s.timeouts.Disarm(callID)
		return err
	}

	call.Mu.Lock()
	call.Conn = stream
	call.Mu.Unlock()

	go s.readLoop(call, stream)
	return nil
}

func (s *Service) onHandshakeTimeout(callID string) {
	call, err := s.registry.Get(callID)
	if err != nil {
		return
	}
	s.log.Warn("handshake timeout", zap.String("call_id", callID))
	s.metrics.CallEvents.WithLabelValues("handshake_timeout").Inc()

	call.Mu.Lock()
	call.Status = session.StatusTimeout
	stream := call.Conn
	call.Conn = nil
	call.Ready = false
	call.Mu.Unlock()

	if stream != nil {
		_ = stream.CloseGracefully()
	}
	s.handleFailure(call, errHandshakeTimeout)
}

// SendAudioChunk accepts one base64 u-law chunk from the telephony
// layer. Before the handshake completes, chunks queue in a bounded
// buffer; afterwards they are validated, forwarded and metered.
func (s *Service) SendAudioChunk(callID, chunk string) {
	call, err := s.registry.Get(callID)
	if err != nil {
		return
	}

	call.Mu.Lock()
	if !call.IsReady() {
		if !call.EnqueuePreReady(chunk, s.cfg.PreReadyQueueLimit) {
			s.metrics.DroppedChunks.Inc()
		}
		call.Mu.Unlock()
		return
	}
	stream := call.Conn
	call.Mu.Unlock()

	res := s.proc.ValidateChunk(chunk)
	if !res.Valid {
		call.Mu.Lock()
		call.Audio.ConsecutiveFailures++
		call.Mu.Unlock()
		s.log.Debug("chunk rejected",
			zap.String("call_id", callID),
			zap.String("reason", res.Reason))
		return
	}

	if err := stream.WriteFrame(realtime.NewBufferAppend(chunk)); err != nil {
		s.log.Warn("audio append failed", zap.String("call_id", callID), zap.Error(err))
		return
	}
	s.metrics.Frames.WithLabelValues("out", string(realtime.TypeBufferAppend)).Inc()
	s.metrics.AudioBytes.WithLabelValues("in").Add(float64(res.Size))

	now := time.Now().UTC()
	call.Mu.Lock()
	call.Audio.ConsecutiveFailures = 0
	call.Audio.ChunksReceived++
	call.Audio.BytesReceived += int64(res.Size)
	call.Audio.ChunksSent++
	call.Audio.BytesSent += int64(res.Size)
	call.Audio.LastSendAt = now
	if call.Audio.FirstAudioAt.IsZero() {
		call.Audio.FirstAudioAt = now
	}
	if s.proc.IsSilenceChunk(chunk) {
		call.Speech.AddSilence()
		quality := s.proc.MonitorQuality(&call.Speech)
		call.Mu.Unlock()
		if quality.Degraded {
			s.log.Warn("sustained silence on call",
				zap.String("call_id", callID),
				zap.Int("silence_run", quality.SilenceRun))
			s.metrics.CallEvents.WithLabelValues("silence_degraded").Inc()
		}
		return
	}
	call.Speech.AddSpeech(res.Duration)
	call.Mu.Unlock()

	s.requestCommit(callID)
}

// Disconnect cancels any in-flight response, flushes pending
// transcripts, archives debug audio and removes the session. Idempotent.
func (s *Service) Disconnect(ctx context.Context, callID string) {
	call, err := s.registry.Get(callID)
	if err != nil {
		return
	}
	s.teardown(ctx, call, "disconnect")
	s.emit(telephony.Event{Type: telephony.EventClosed, CallID: callID})
}

// teardown releases everything a call holds: its handshake timeout, its
// entries in both shared pending tables, its connection, and finally
// its registry slot.
func (s *Service) teardown(ctx context.Context, call *session.Call, reason string) {
	call.Mu.Lock()
	callID := call.CallID
	if call.Status == session.StatusClosed {
		call.Mu.Unlock()
		return
	}
	stream := call.Conn
	activeResponse := call.ActiveResponseID
	call.Status = session.StatusClosed
	call.Conn = nil
	call.Ready = false
	capture := call.Capture
	call.Capture = nil
	call.Mu.Unlock()

	s.timeouts.Disarm(callID)
	s.reconnects.Cancel(callID)
	s.dropCommitRequest(callID)

	if stream != nil {
		if activeResponse != "" {
			_ = stream.WriteFrame(realtime.NewResponseCancel(activeResponse))
		}
		_ = stream.CloseGracefully()
	}

	s.flushPendingTranscripts(ctx, call)

	if len(capture) > 0 && s.archiver != nil {
		if wav, err := audio.EncodeWAVULaw(capture, audio.SampleRate); err == nil {
			if err := s.archiver.Archive(ctx, callID, wav); err != nil {
				s.log.Warn("debug audio archive failed", zap.String("call_id", callID), zap.Error(err))
			}
		}
	}

	call.Mu.Lock()
	convID := call.ConversationID
	call.Mu.Unlock()
	if convID != "" {
		if err := s.store.FinalizeConversation(ctx, convID); err != nil {
			s.log.Warn("finalize conversation failed", zap.String("call_id", callID), zap.Error(err))
		}
	}

	s.registry.Remove(callID)
	s.metrics.ActiveCalls.Dec()
	s.metrics.CallEvents.WithLabelValues("teardown_" + reason).Inc()
	s.log.Info("call torn down", zap.String("call_id", callID), zap.String("reason", reason))
}

func (s *Service) emit(e telephony.Event) {
	if s.sink != nil {
		s.sink.Deliver(e)
	}
}

// CheckHealth probes the connection with a ping and requires the pong
// within the configured window. Failure feeds the same recovery path as
// an unexpected close.
func (s *Service) CheckHealth(callID string) bool {
	call, err := s.registry.Get(callID)
	if err != nil {
		return false
	}
	call.Mu.Lock()
	stream := call.Conn
	ready := call.IsReady()
	call.Mu.Unlock()
	if !ready || stream == nil {
		return false
	}

	pong, err := stream.Ping()
	if err != nil {
		s.handleFailure(call, err)
		return false
	}
	select {
	case <-pong:
		return true
	case <-time.After(s.cfg.HealthProbeWindow):
		s.log.Warn("health probe timed out", zap.String("call_id", callID))
		s.handleFailure(call, errHealthProbe)
		return false
	}
}

// sessionSettings builds the handshake configuration for a call, with
// optional extra guidance appended to the standing instructions.
func (s *Service) sessionSettings(call *session.Call, extraGuidance string) realtime.SessionSettings {
	call.Mu.Lock()
	instructions := call.InitialPrompt
	call.Mu.Unlock()
	if extraGuidance != "" {
		instructions = strings.TrimSpace(instructions + "\n\n" + extraGuidance)
	}
	return realtime.SessionSettings{
		Instructions:           instructions,
		Voice:                  s.cfg.Voice,
		TurnDetectionThreshold: s.cfg.TurnDetectionThreshold,
		TurnSilenceDuration:    s.cfg.TurnSilenceDuration,
		TurnPrefixPadding:      s.cfg.TurnPrefixPadding,
	}
}
