package firmware

import (
	"sync"
	"time"
)

// maxRecordText is the number of runes of a response kept in a DetectionRecord.
const maxRecordText = 200

// NoFirmwareDetected is the marker reported by Export before any detection.
const NoFirmwareDetected = "no firmware detected"

// DetectionRecord is one entry of the detection history.
type DetectionRecord struct {
	Response   string
	Type       Type
	DetectedAt time.Time
}

// DetectionEntry is a DetectionRecord with its age at the time of the query.
type DetectionEntry struct {
	DetectionRecord
	Age time.Duration
}

// Report is a flat export of the current firmware.
type Report struct {
	Detected            bool          `json:"detected"`
	Error               string        `json:"error,omitempty"`
	Name                string        `json:"name,omitempty"`
	Type                string        `json:"type,omitempty"`
	Version             string        `json:"version,omitempty"`
	BuildDate           string        `json:"build_date,omitempty"`
	ProtocolVersion     string        `json:"protocol_version,omitempty"`
	MachineType         string        `json:"machine_type,omitempty"`
	Capabilities        []string      `json:"capabilities,omitempty"`
	BufferSize          int           `json:"buffer_size,omitempty"`
	MaxFeedRate         int           `json:"max_feed_rate,omitempty"`
	BuildInfo           string        `json:"build_info,omitempty"`
	DetectionConfidence float64       `json:"detection_confidence"`
	LastDetectionAge    time.Duration `json:"last_detection_age,omitempty"`
}

// Session holds the detection state of one connection: the active firmware,
// the confidence of the latest detection and the detection history.
//
// A Session is safe for concurrent use.
type Session struct {
	mu         sync.RWMutex
	current    *Info
	confidence float64
	history    []DetectionRecord
	now        func() time.Time
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{now: time.Now}
}

// Extract runs ExtractInfo on text, appends a DetectionRecord and makes
// the result the current firmware, superseding any earlier detection.
func (s *Session) Extract(text string) Info {
	info := ExtractInfo(text)
	conf := Confidence(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, DetectionRecord{
		Response:   truncate(text, maxRecordText),
		Type:       info.Type,
		DetectedAt: s.now(),
	})

	cur := info
	cur.Capabilities = append([]string(nil), info.Capabilities...)
	s.current = &cur
	s.confidence = conf

	return info
}

// Current returns the current firmware info. ok is false before the first
// Extract or after Reset.
func (s *Session) Current() (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return Info{Type: Unknown, Name: Unknown.String()}, false
	}

	info := *s.current
	info.Capabilities = append([]string(nil), info.Capabilities...)

	return info, true
}

// Type returns the active firmware type, Unknown when nothing is detected.
func (s *Session) Type() Type {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return Unknown
	}

	return s.current.Type
}

// Confidence returns the confidence of the most recent detection.
func (s *Session) Confidence() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.confidence
}

// History returns a copy of the detection history, oldest first.
func (s *Session) History() []DetectionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	entries := make([]DetectionEntry, 0, len(s.history))
	for _, r := range s.history {
		entries = append(entries, DetectionEntry{DetectionRecord: r, Age: now.Sub(r.DetectedAt)})
	}

	return entries
}

// ClearHistory empties the detection history. The current firmware is kept.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
}

// Reset forgets the current firmware, the confidence and the history.
func (s *Session) Reset() {
	s.mu.Lock()
	s.current = nil
	s.confidence = 0
	s.history = nil
	s.mu.Unlock()
}

// Export returns a flat record of the current firmware.
func (s *Session) Export() Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return Report{Detected: false, Error: NoFirmwareDetected}
	}

	cur := s.current
	r := Report{
		Detected:            true,
		Name:                cur.Name,
		Type:                cur.Type.String(),
		Version:             cur.Version,
		BuildDate:           cur.BuildDate,
		ProtocolVersion:     cur.ProtocolVersion,
		MachineType:         cur.MachineType,
		Capabilities:        append([]string(nil), cur.Capabilities...),
		BufferSize:          cur.BufferSize,
		MaxFeedRate:         cur.MaxFeedRate,
		BuildInfo:           cur.BuildInfo,
		DetectionConfidence: s.confidence,
	}
	if n := len(s.history); n > 0 {
		r.LastDetectionAge = s.now().Sub(s.history[n-1].DetectedAt)
	}

	return r
}
