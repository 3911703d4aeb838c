package backup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/otops/backhaul/internal/errors"
)

// FailureRecord is one failed backup attempt.
type FailureRecord struct {
	Machine string `json:"machine"`
	IP      string `json:"ip"`
	Error   string `json:"error"`
}

// StationFailures holds the failures of the most recent run for one station.
type StationFailures struct {
	LastAttempt time.Time       `json:"last_attempt"`
	Failures    []FailureRecord `json:"failures"`
}

// Ledger is a JSON file tracking the last backup failures per station, so a
// later run can retry just what failed.
type Ledger struct {
	path string

	LastUpdate time.Time                  `json:"last_update"`
	Stations   map[string]StationFailures `json:"stations"`
}

// NewLedger returns an empty ledger bound to path.
func NewLedger(path string) *Ledger {
	return &Ledger{
		path:       path,
		LastUpdate: time.Now(),
		Stations:   map[string]StationFailures{},
	}
}

// LoadLedger reads the ledger at path; a missing file yields an empty
// ledger, since a station with no recorded failures has nothing to retry.
func LoadLedger(path string) (*Ledger, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewLedger(path), nil
		}
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot read failure ledger: "+path, "Check file permissions")
	}

	ledger := NewLedger(path)
	if err := json.Unmarshal(raw, ledger); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Failure ledger is not valid JSON: "+path,
			"Delete the file to start a fresh ledger")
	}
	if ledger.Stations == nil {
		ledger.Stations = map[string]StationFailures{}
	}
	return ledger, nil
}

// Save writes the ledger to disk pretty-printed, updating the global
// timestamp.
func (l *Ledger) Save() error {
	l.LastUpdate = time.Now()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.WrapWithCode(err, errors.ErrConfig,
				"Cannot create ledger directory: "+dir, "Check directory permissions")
		}
	}

	raw, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return errors.Wrap(err, "Cannot encode failure ledger")
	}
	if err := os.WriteFile(l.path, raw, 0o644); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot write failure ledger: "+l.path, "Check file permissions")
	}
	return nil
}

// Add appends a failure record under the given station, creating the
// station entry if necessary.
func (l *Ledger) Add(stationName string, record FailureRecord) {
	entry := l.Stations[stationName]
	entry.Failures = append(entry.Failures, record)
	entry.LastAttempt = time.Now()
	l.Stations[stationName] = entry
}

// ClearStation removes all stored failures for the station, keeping the
// attempt timestamp.
func (l *Ledger) ClearStation(stationName string) {
	entry, ok := l.Stations[stationName]
	if !ok {
		return
	}
	entry.Failures = nil
	entry.LastAttempt = time.Now()
	l.Stations[stationName] = entry
}

// FailedIPs returns the external IPs that failed in the station's last
// recorded run, for retry filtering.
func (l *Ledger) FailedIPs(stationName string) []string {
	entry, ok := l.Stations[stationName]
	if !ok {
		return nil
	}
	ips := make([]string, 0, len(entry.Failures))
	for _, record := range entry.Failures {
		ips = append(ips, record.IP)
	}
	return ips
}

// RecordRun replaces the station's entry with the failures of the given
// run: a clean run leaves an empty entry, a failed one lists every target
// that did not produce a proven backup.
func (l *Ledger) RecordRun(stationName string, results []Result) {
	l.ClearStation(stationName)
	for _, result := range results {
		if result.Execution.Success && result.RemoteBackupPath != "" {
			continue
		}
		message := "backup script did not report a backup file"
		if result.Execution.Err != nil {
			message = result.Execution.Err.Error()
		}
		l.Add(stationName, FailureRecord{
			Machine: result.Machine.Name,
			IP:      result.Machine.ExternalIP,
			Error:   message,
		})
	}
}
