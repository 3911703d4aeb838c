package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otops/backhaul/internal/errors"
	"github.com/otops/backhaul/internal/station"
	"github.com/otops/backhaul/pkg/sshexpect"
)

func TestLedger_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures", "backup_failures.json")

	ledger := NewLedger(path)
	ledger.Add("almazora", FailureRecord{Machine: "g-norte", IP: "203.0.113.5", Error: "nested SSH failed"})
	ledger.Add("almazora", FailureRecord{Machine: "g-sur", IP: "203.0.113.6", Error: "script timed out"})
	require.NoError(t, ledger.Save())

	loaded, err := LoadLedger(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"203.0.113.5", "203.0.113.6"}, loaded.FailedIPs("almazora"))
	assert.False(t, loaded.Stations["almazora"].LastAttempt.IsZero())
}

func TestLoadLedger_Missing(t *testing.T) {
	ledger, err := LoadLedger(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, ledger.FailedIPs("almazora"))
}

func TestLoadLedger_Corrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := LoadLedger(path)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestLedger_ClearStation(t *testing.T) {
	ledger := NewLedger(filepath.Join(t.TempDir(), "failures.json"))
	ledger.Add("almazora", FailureRecord{Machine: "g1", IP: "203.0.113.5", Error: "x"})

	ledger.ClearStation("almazora")
	assert.Empty(t, ledger.FailedIPs("almazora"))

	// Clearing an unknown station is a no-op.
	ledger.ClearStation("desconocida")
	assert.Empty(t, ledger.FailedIPs("desconocida"))
}

func TestLedger_RecordRun(t *testing.T) {
	ledger := NewLedger(filepath.Join(t.TempDir(), "failures.json"))
	// A stale failure from the previous run gets replaced.
	ledger.Add("almazora", FailureRecord{Machine: "old", IP: "203.0.113.9", Error: "stale"})

	results := []Result{
		{
			Machine:          station.Machine{Name: "g-norte", ExternalIP: "203.0.113.5"},
			Execution:        sshexpect.ExecutionResult{Success: true},
			RemoteBackupPath: "/home/admin/backups/a.nozomi_backup",
		},
		{
			Machine: station.Machine{Name: "g-sur", ExternalIP: "203.0.113.6"},
			Execution: sshexpect.ExecutionResult{
				Success: false,
				Err:     errors.New(errors.ErrCommandTimeout, "script timed out", ""),
			},
		},
		{
			// Script exited cleanly but never named a backup file.
			Machine:   station.Machine{Name: "g-este", ExternalIP: "203.0.113.7"},
			Execution: sshexpect.ExecutionResult{Success: true},
		},
	}
	ledger.RecordRun("almazora", results)

	assert.Equal(t, []string{"203.0.113.6", "203.0.113.7"}, ledger.FailedIPs("almazora"))
}

func TestLedger_RecordRun_CleanRun(t *testing.T) {
	ledger := NewLedger(filepath.Join(t.TempDir(), "failures.json"))
	ledger.Add("almazora", FailureRecord{Machine: "g1", IP: "203.0.113.5", Error: "stale"})

	ledger.RecordRun("almazora", []Result{{
		Machine:          station.Machine{Name: "g1", ExternalIP: "203.0.113.5"},
		Execution:        sshexpect.ExecutionResult{Success: true},
		RemoteBackupPath: "/home/admin/backups/a.nozomi_backup",
	}})

	assert.Empty(t, ledger.FailedIPs("almazora"))
}
