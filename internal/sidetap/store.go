package sidetap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/conclave-rtc/conclave/internal/log"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// StoredSegment is one transcribed slice of a tap session.
type StoredSegment struct {
	Index      int       `json:"segmentIndex"`
	Text       string    `json:"text"`
	Language   string    `json:"language"`
	Confidence float64   `json:"confidence"`
	StartTime  time.Time `json:"startTime"`
	Duration   float64   `json:"duration"`
}

// sessionTranscript is the on-disk shape: one JSON file per tap session,
// written when the session ends.
type sessionTranscript struct {
	RoomID           string          `json:"roomId"`
	ParticipantID    string          `json:"participantId"`
	SessionStartTime time.Time       `json:"sessionStartTime"`
	SessionEndTime   time.Time       `json:"sessionEndTime"`
	TotalSegments    int             `json:"totalSegments"`
	Segments         []StoredSegment `json:"segments"`
}

// TranscriptStore aggregates segments in memory per (room, participant)
// session and spools each session to <dir>/<roomId>/<pid>_<start-ts>.json
// when it ends. Appends for sessions that already ended are dropped.
type TranscriptStore struct {
	logger zerolog.Logger
	dir    string

	mu    sync.Mutex
	rooms map[string]map[string]*sessionTranscript
}

func NewTranscriptStore(dir string) *TranscriptStore {
	return &TranscriptStore{
		logger: log.WithComponent("sidetap"),
		dir:    dir,
		rooms:  make(map[string]map[string]*sessionTranscript),
	}
}

// StartSession opens the in-memory aggregation for one participant's tap.
func (ts *TranscriptStore) StartSession(roomID, participantID string, startedAt time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	byPeer, ok := ts.rooms[roomID]
	if !ok {
		byPeer = make(map[string]*sessionTranscript)
		ts.rooms[roomID] = byPeer
	}
	byPeer[participantID] = &sessionTranscript{
		RoomID:           roomID,
		ParticipantID:    participantID,
		SessionStartTime: startedAt,
	}
}

// Append records one transcribed segment.
func (ts *TranscriptStore) Append(roomID, participantID string, seg StoredSegment) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if tr := ts.lookup(roomID, participantID); tr != nil {
		tr.Segments = append(tr.Segments, seg)
	}
}

// EndSession flushes the session transcript to disk and drops it from
// memory. Sessions that produced no segments leave no file behind.
func (ts *TranscriptStore) EndSession(roomID, participantID string, endedAt time.Time) {
	ts.mu.Lock()
	tr := ts.lookup(roomID, participantID)
	if tr != nil {
		delete(ts.rooms[roomID], participantID)
		if len(ts.rooms[roomID]) == 0 {
			delete(ts.rooms, roomID)
		}
	}
	ts.mu.Unlock()
	if tr == nil {
		return
	}
	tr.SessionEndTime = endedAt
	ts.flush(tr)
}

// ClearRoom flushes whatever sessions are still open and drops the room.
func (ts *TranscriptStore) ClearRoom(roomID string) {
	now := time.Now()
	ts.mu.Lock()
	byPeer := ts.rooms[roomID]
	delete(ts.rooms, roomID)
	ts.mu.Unlock()
	for _, tr := range byPeer {
		tr.SessionEndTime = now
		ts.flush(tr)
	}
}

// lookup must be called with ts.mu held.
func (ts *TranscriptStore) lookup(roomID, participantID string) *sessionTranscript {
	if byPeer, ok := ts.rooms[roomID]; ok {
		return byPeer[participantID]
	}
	return nil
}

func (ts *TranscriptStore) flush(tr *sessionTranscript) {
	if len(tr.Segments) == 0 {
		return
	}
	sort.Slice(tr.Segments, func(i, j int) bool { return tr.Segments[i].Index < tr.Segments[j].Index })
	tr.TotalSegments = len(tr.Segments)

	dir := filepath.Join(ts.dir, sanitizeToken(tr.RoomID, 0))
	if err := os.MkdirAll(dir, 0o755); err != nil { // #nosec G301 -- spool dir
		ts.logger.Error().
			Err(err).
			Str("event", "sidetap.transcript_dir_failed").
			Str("dir", dir).
			Msg("could not create transcript dir")
		return
	}

	raw, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		ts.logger.Error().
			Err(err).
			Str("event", "sidetap.transcript_encode_failed").
			Msg("could not encode transcript")
		return
	}

	name := fmt.Sprintf("%s_%s.json",
		sanitizeToken(tr.ParticipantID, 0),
		tr.SessionStartTime.UTC().Format(time.RFC3339))
	path := filepath.Join(dir, name)
	if err := renameio.WriteFile(path, raw, 0o644); err != nil {
		ts.logger.Error().
			Err(err).
			Str("event", "sidetap.transcript_write_failed").
			Str("path", path).
			Msg("could not write transcript")
		return
	}
	ts.logger.Info().
		Str("event", "sidetap.transcript_flushed").
		Str("room_id", tr.RoomID).
		Str("participant_id", tr.ParticipantID).
		Int("segments", tr.TotalSegments).
		Str("path", path).
		Msg("session transcript flushed")
}
