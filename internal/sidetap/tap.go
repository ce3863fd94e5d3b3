// Package sidetap mirrors room audio into the transcription pipeline. For
// each plain audio producer it reserves a consecutive RTP/RTCP port pair,
// points a plain transport at a loopback segmenter subprocess, and watches
// the segment list the segmenter appends; finished WAV segments are
// transcribed and broadcast to the room. Tap failures are logged by the
// caller and never affect media flow.
package sidetap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/conclave-rtc/conclave/internal/log"
	"github.com/conclave-rtc/conclave/internal/media"
	"github.com/conclave-rtc/conclave/internal/metrics"
	"github.com/conclave-rtc/conclave/internal/rtc"
	"github.com/conclave-rtc/conclave/internal/telemetry"
	"github.com/conclave-rtc/conclave/internal/transcribe"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Broadcaster is the slice of the socket hub the tap needs.
type Broadcaster interface {
	ToRoom(room, event string, payload any, exclude ...string)
}

// Transcriber turns one WAV file into text. *transcribe.Runner and
// *transcribe.Pool implement it.
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath string) (*transcribe.Result, error)
}

// TranscriptionPayload is broadcast to the room for every transcribed
// segment.
type TranscriptionPayload struct {
	RoomID        string    `json:"roomId"`
	ParticipantID string    `json:"participantId"`
	SegmentIndex  int       `json:"segmentIndex"`
	Text          string    `json:"text"`
	Language      string    `json:"language"`
	StartTime     time.Time `json:"startTime"`
	Duration      float64   `json:"duration"`
}

// Options configures the Manager.
type Options struct {
	// TempDir is the spool root: audio lands in
	// <TempDir>/audio-segments/<roomId>, transcripts in
	// <TempDir>/transcripts/<roomId>.
	TempDir        string
	SegmenterBin   string
	SegmentSeconds int
	PortMin        int
	PortMax        int // exclusive
}

// Manager implements media.SideTap: one tap session per (room, participant)
// with a live audio producer.
type Manager struct {
	logger      zerolog.Logger
	opts        Options
	hub         Broadcaster
	transcriber Transcriber
	ports       *PortPool
	store       *TranscriptStore

	mu    sync.Mutex
	rooms map[string]*roomTap
}

// roomTap is the per-room directory watcher plus its live sessions.
type roomTap struct {
	roomID  string
	dir     string
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu       sync.Mutex
	sessions map[string]*session // by participant id
	byList   map[string]*session // by segment-list path
}

// session is one producer's tap: the port pair, the plain transport feeding
// the segmenter, and the segment bookkeeping.
type session struct {
	roomID        string
	participantID string
	producerID    string

	transport rtc.PlainTransport
	consumer  rtc.Consumer
	rtpPort   int
	rtcpPort  int
	seg       *segmenter

	sdpPath   string
	listPath  string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	lastProcessed int // segment indices start at 0
	inFlight      map[int]struct{}
}

func NewManager(opts Options, hub Broadcaster, transcriber Transcriber) *Manager {
	if opts.SegmenterBin == "" {
		opts.SegmenterBin = "ffmpeg"
	}
	if opts.SegmentSeconds <= 0 {
		opts.SegmentSeconds = 30
	}
	if opts.PortMin <= 0 || opts.PortMax <= opts.PortMin+1 {
		opts.PortMin, opts.PortMax = 60000, 65000
	}
	return &Manager{
		logger:      log.WithComponent("sidetap"),
		opts:        opts,
		hub:         hub,
		transcriber: transcriber,
		ports:       NewPortPool(opts.PortMin, opts.PortMax),
		store:       NewTranscriptStore(filepath.Join(opts.TempDir, "transcripts")),
		rooms:       make(map[string]*roomTap),
	}
}

// StartTap provisions the full tap chain for one audio producer: port pair,
// plain transport connected to loopback, unpaused consumer, SDP file and
// segmenter subprocess. A failure at any step releases everything acquired
// before it.
func (m *Manager) StartTap(ctx context.Context, room *media.Room, peer *media.Peer, producer rtc.Producer) error {
	router := room.Router()
	if router == nil {
		return fmt.Errorf("room %s has no router", room.ID)
	}

	ctx, span := telemetry.Tracer("conclave.sidetap").Start(ctx, "sidetap.start")
	span.SetAttributes(
		attribute.String(telemetry.RoomIDKey, room.ID),
		attribute.String(telemetry.PeerIDKey, peer.UserID),
	)
	defer span.End()

	rt, err := m.roomTapFor(room.ID)
	if err != nil {
		return err
	}

	// A re-produce replaces the previous tap for this participant.
	if old := rt.take(peer.UserID); old != nil {
		m.logger.Debug().
			Str("event", "sidetap.retap").
			Str("room_id", room.ID).
			Str("participant_id", peer.UserID).
			Msg("replacing existing tap session")
		m.finishSession(old)
	}

	rtp, rtcp, err := m.ports.Allocate()
	if err != nil {
		return err
	}

	base := sanitizeToken(peer.DisplayName, 32) + "_" + sanitizeToken(peer.UserID, 0)
	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		roomID:        room.ID,
		participantID: peer.UserID,
		producerID:    producer.ID(),
		rtpPort:       rtp,
		rtcpPort:      rtcp,
		sdpPath:       filepath.Join(rt.dir, base+".sdp"),
		listPath:      filepath.Join(rt.dir, base+"_segments.txt"),
		startedAt:     time.Now(),
		ctx:           sctx,
		cancel:        cancel,
		lastProcessed: -1,
		inFlight:      make(map[int]struct{}),
	}
	wavPattern := filepath.Join(rt.dir, base+"_segment_%03d.wav")

	if err := m.provision(ctx, router, producer, s, wavPattern); err != nil {
		m.releaseSession(s)
		return err
	}

	rt.put(s)
	m.store.StartSession(room.ID, peer.UserID, s.startedAt)
	metrics.SideTapSessionsActive.Inc()
	m.logger.Info().
		Str("event", "sidetap.started").
		Str("room_id", room.ID).
		Str("participant_id", peer.UserID).
		Str("producer_id", s.producerID).
		Int("rtp_port", rtp).
		Int("rtcp_port", rtcp).
		Msg("audio side-tap started")
	return nil
}

func (m *Manager) provision(ctx context.Context, router rtc.Router, producer rtc.Producer, s *session, wavPattern string) error {
	transport, err := router.CreatePlainTransport(ctx, rtc.PlainTransportOptions{
		ListenIP: rtc.TransportListenIP{IP: "127.0.0.1"},
		RTCPMux:  false,
		Comedia:  false,
	})
	if err != nil {
		return fmt.Errorf("plain transport: %w", err)
	}
	s.transport = transport

	if err := transport.Connect(ctx, "127.0.0.1", s.rtpPort, s.rtcpPort); err != nil {
		return fmt.Errorf("connect plain transport: %w", err)
	}

	consumer, err := transport.Consume(ctx, producer.ID(), router.RtpCapabilities(), false)
	if err != nil {
		return fmt.Errorf("plain consumer: %w", err)
	}
	s.consumer = consumer

	if err := writeSDP(s.sdpPath, s.rtpPort, s.rtcpPort); err != nil {
		return fmt.Errorf("write sdp: %w", err)
	}

	seg, err := startSegmenter(m.logger, m.opts.SegmenterBin, s.sdpPath, s.listPath, wavPattern, m.opts.SegmentSeconds)
	if err != nil {
		return fmt.Errorf("segmenter: %w", err)
	}
	s.seg = seg
	return nil
}

// StopPeer ends the participant's tap session, if any.
func (m *Manager) StopPeer(roomID, participantID string) {
	m.mu.Lock()
	rt := m.rooms[roomID]
	m.mu.Unlock()
	if rt == nil {
		return
	}
	if s := rt.take(participantID); s != nil {
		m.finishSession(s)
	}
}

// ClearRoom ends every session in the room, stops its watcher and flushes
// any remaining transcript state.
func (m *Manager) ClearRoom(roomID string) {
	m.mu.Lock()
	rt := m.rooms[roomID]
	delete(m.rooms, roomID)
	m.mu.Unlock()
	if rt == nil {
		return
	}

	for _, s := range rt.drain() {
		m.finishSession(s)
	}
	rt.close()
	m.store.ClearRoom(roomID)
	m.logger.Debug().
		Str("event", "sidetap.room_cleared").
		Str("room_id", roomID).
		Msg("side-tap state cleared")
}

// Close stops every room's sessions; used on daemon shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.ClearRoom(id)
	}
}

// finishSession releases a live session and flushes its transcript.
func (m *Manager) finishSession(s *session) {
	m.releaseSession(s)
	m.store.EndSession(s.roomID, s.participantID, time.Now())
	metrics.SideTapSessionsActive.Dec()
	m.logger.Info().
		Str("event", "sidetap.stopped").
		Str("room_id", s.roomID).
		Str("participant_id", s.participantID).
		Msg("audio side-tap stopped")
}

// releaseSession tears down whatever the session holds: segmenter process,
// plain consumer and transport, SDP and segment-list files, port pair. Safe
// on partially provisioned sessions.
func (m *Manager) releaseSession(s *session) {
	s.cancel()
	if s.seg != nil {
		s.seg.stop()
	}
	if s.consumer != nil {
		s.consumer.Close()
	}
	if s.transport != nil {
		s.transport.Close()
	}
	for _, p := range []string{s.sdpPath, s.listPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			m.logger.Warn().
				Err(err).
				Str("event", "sidetap.cleanup_failed").
				Str("path", p).
				Msg("could not remove tap file")
		}
	}
	m.ports.Release(s.rtpPort, s.rtcpPort)
}

// roomTapFor returns the room's tap state, creating the spool directory and
// its watcher on first use. Identifiers are reduced to a safe charset before
// they touch the filesystem.
func (m *Manager) roomTapFor(roomID string) (*roomTap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.rooms[roomID]; ok {
		return rt, nil
	}

	dir := filepath.Join(m.opts.TempDir, "audio-segments", sanitizeToken(roomID, 0))
	if err := os.MkdirAll(dir, 0o755); err != nil { // #nosec G301 -- spool dir
		return nil, fmt.Errorf("audio dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	rt := &roomTap{
		roomID:   roomID,
		dir:      dir,
		watcher:  watcher,
		done:     make(chan struct{}),
		sessions: make(map[string]*session),
		byList:   make(map[string]*session),
	}
	m.rooms[roomID] = rt
	go m.watchLoop(rt)
	return rt, nil
}

func (rt *roomTap) put(s *session) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sessions[s.participantID] = s
	rt.byList[s.listPath] = s
}

func (rt *roomTap) take(participantID string) *session {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s, ok := rt.sessions[participantID]
	if !ok {
		return nil
	}
	delete(rt.sessions, participantID)
	delete(rt.byList, s.listPath)
	return s
}

func (rt *roomTap) sessionForList(path string) *session {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.byList[path]
}

func (rt *roomTap) drain() []*session {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*session, 0, len(rt.sessions))
	for _, s := range rt.sessions {
		out = append(out, s)
	}
	rt.sessions = make(map[string]*session)
	rt.byList = make(map[string]*session)
	return out
}

func (rt *roomTap) close() {
	close(rt.done)
	_ = rt.watcher.Close()
}

var _ media.SideTap = (*Manager)(nil)
