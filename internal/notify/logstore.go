package notify

import (
	"sync"
	"time"
)

const DefaultMaxLogs = 1000

type LogEntry struct {
	JobID     string    `json:"jobId"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the latest progress reported for a job.
type Snapshot struct {
	JobID           string    `json:"jobId"`
	Status          string    `json:"status"`
	Progress        int       `json:"progress"`
	ProgressMessage string    `json:"progressMessage"`
	MatchedCount    int       `json:"matchedCount"`
	ItemCount       int       `json:"itemCount"`
	StartedAt       time.Time `json:"startTime"`
}

// LogStorage keeps the last entries of every job and its latest progress.
type LogStorage struct {
	max int

	mu       sync.RWMutex
	logs     map[string][]LogEntry
	progress map[string]Snapshot
}

func NewLogStorage(limit int) *LogStorage {
	if limit <= 0 {
		limit = DefaultMaxLogs
	}
	return &LogStorage{
		max:      limit,
		logs:     make(map[string][]LogEntry),
		progress: make(map[string]Snapshot),
	}
}

func (s *LogStorage) Add(jobID string, level Level, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := append(s.logs[jobID], LogEntry{JobID: jobID, Level: level, Message: msg, Timestamp: time.Now().UTC()})
	if len(logs) > s.max {
		// Copy down so the backing array does not grow without bound.
		logs = append(logs[:0:0], logs[len(logs)-s.max:]...)
	}
	s.logs[jobID] = logs
}

// Logs returns a copy of the stored entries, oldest first.
func (s *LogStorage) Logs(jobID string) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]LogEntry(nil), s.logs[jobID]...)
}

func (s *LogStorage) SetProgress(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.progress[snap.JobID]; ok && snap.StartedAt.IsZero() {
		snap.StartedAt = prev.StartedAt
	}
	s.progress[snap.JobID] = snap
}

func (s *LogStorage) Progress(jobID string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.progress[jobID]
	return snap, ok
}

// Clear forgets everything about a job.
func (s *LogStorage) Clear(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, jobID)
	delete(s.progress, jobID)
}
