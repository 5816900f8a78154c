// Package metering records cost events for every billable or warned
// operation. Events append to a JSON-lines file so a crash never loses
// more than the in-flight line, and optionally fan out to a Postgres
// archive for long-term reporting.
package metering

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// timestampLayout is fixed-width so lexicographic order matches
// chronological order when sorting raw lines.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Event is one recorded cost sample.
type Event struct {
	Timestamp string         `json:"timestamp"`
	Actor     string         `json:"actor"`
	Operation string         `json:"operation"`
	CostUSD   float64        `json:"cost_usd"`
	Metadata  map[string]any `json:"metadata"`
}

// Archive receives a copy of every recorded event. Archive failures
// are logged and never fail the recording path.
type Archive interface {
	Append(event Event) error
	Close() error
}

// Recorder appends cost events to the configured JSONL file. The zero
// cost case is valid: access-policy warnings meter at 0 USD so they
// show up in spend reports without charging anyone.
type Recorder struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	archive Archive
	metrics *Metrics
	logger  *log.Logger
}

// NewRecorder opens (creating if needed) the events file at path.
func NewRecorder(path string, metrics *Metrics) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create metering dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open metering events file: %w", err)
	}
	return &Recorder{
		path:    path,
		file:    f,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[Metering] ", log.LstdFlags),
	}, nil
}

// SetArchive attaches an optional long-term archive. Call before the
// recorder starts receiving traffic.
func (r *Recorder) SetArchive(a Archive) {
	r.mu.Lock()
	r.archive = a
	r.mu.Unlock()
}

// Record appends one cost event. Costs round to 6 decimal places so
// repeated micro-charges serialize stably.
func (r *Recorder) Record(actor, operation string, costUSD float64, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	ev := Event{
		Timestamp: time.Now().UTC().Format(timestampLayout),
		Actor:     actor,
		Operation: operation,
		CostUSD:   roundUSD(costUSD),
		Metadata:  metadata,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		r.logger.Printf("🔥 drop unserializable cost event op=%s actor=%s: %v", operation, actor, err)
		return
	}

	r.mu.Lock()
	_, writeErr := r.file.Write(append(line, '\n'))
	archive := r.archive
	r.mu.Unlock()

	if writeErr != nil {
		r.logger.Printf("🔥 cost event write failed op=%s: %v", operation, writeErr)
	}
	r.metrics.ObserveCost(operation, ev.CostUSD)

	if archive != nil {
		if err := archive.Append(ev); err != nil {
			r.logger.Printf("⚠️ cost archive append failed op=%s: %v", operation, err)
		}
	}
}

// List returns up to limit events, newest first.
func (r *Recorder) List(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("open metering events file: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			// A torn tail line from a crash is expected; skip it.
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan metering events: %w", err)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp > events[j].Timestamp
	})
	if len(events) > limit {
		events = events[:limit]
	}
	if events == nil {
		events = []Event{}
	}
	return events, nil
}

// Close flushes and releases the events file and any archive.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	if r.archive != nil {
		if err := r.archive.Close(); err != nil {
			firstErr = err
		}
		r.archive = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.file = nil
	}
	return firstErr
}

func roundUSD(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
