package watchdog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// HealthRecord is the watchdog's view of one supervised component.
type HealthRecord struct {
	Name            string      `json:"name"`
	ExpectedRunning bool        `json:"expected_running"`
	LastSeenAlive   time.Time   `json:"last_seen_alive,omitempty"`
	Restarts        []time.Time `json:"restarts,omitempty"` // sliding window of restart timestamps
	RestartCount    int         `json:"restart_count"`      // lifetime total
	Alerted         bool        `json:"alerted"`
	AlertedAt       time.Time   `json:"alerted_at,omitempty"`
}

// StateFile holds health records in memory and persists them as a single
// JSON document. Durability is what makes crash-loop counters survive a
// watchdog restart.
type StateFile struct {
	mu      sync.Mutex
	path    string
	records map[string]HealthRecord
}

// OpenStateFile loads existing health records from path, or starts empty if
// the file does not exist yet.
func OpenStateFile(path string) (*StateFile, error) {
	s := &StateFile{path: path, records: make(map[string]HealthRecord)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading watchdog state: %w", err)
	}
	var records []HealthRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing watchdog state: %w", err)
	}
	for _, r := range records {
		s.records[r.Name] = r
	}
	return s, nil
}

// Record returns the component's record, creating a fresh one on first
// sight.
func (s *StateFile) Record(name string) HealthRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[name]; ok {
		return r
	}
	return HealthRecord{Name: name}
}

// Lookup returns the record and whether it exists.
func (s *StateFile) Lookup(name string) (HealthRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[name]
	return r, ok
}

// Update stores a record in memory. Call Save to persist.
func (s *StateFile) Update(r HealthRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Name] = r
}

// All returns records sorted by component name.
func (s *StateFile) All() []HealthRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HealthRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Save writes all records to the state file via temp-and-rename.
func (s *StateFile) Save() error {
	s.mu.Lock()
	records := make([]HealthRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	s.mu.Unlock()
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding watchdog state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing watchdog state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing watchdog state: %w", err)
	}
	return nil
}
