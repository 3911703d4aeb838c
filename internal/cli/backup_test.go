package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otops/backhaul/internal/backup"
	"github.com/otops/backhaul/internal/station"
)

func testInventory() station.Inventory {
	return station.Inventory{
		Station: "almazora",
		Machines: []station.Machine{
			{Type: station.TypeCMC, Name: "cmc", ExternalIP: "203.0.113.1", InternalIP: "10.10.1.1", State: station.StateInstalled},
			{Type: station.TypeGuardian, Name: "g-norte", ExternalIP: "203.0.113.5", InternalIP: "10.10.1.5", State: station.StateMonitoring},
			{Type: station.TypeGuardian, Name: "g-sur", ExternalIP: "203.0.113.6", InternalIP: "10.10.1.6", State: station.StateMonitoring},
		},
	}
}

func TestFilterToFailed(t *testing.T) {
	ledger := backup.NewLedger(filepath.Join(t.TempDir(), "failures.json"))
	ledger.Add("almazora", backup.FailureRecord{Machine: "g-sur", IP: "203.0.113.6", Error: "timeout"})

	filtered, err := filterToFailed(testInventory(), ledger)
	require.NoError(t, err)

	// The gateway survives the filter; only the failed guardian comes back.
	targets := filtered.BackupTargets()
	require.Len(t, targets, 1)
	assert.Equal(t, "g-sur", targets[0].Name)

	gw, err := filtered.Gateway()
	require.NoError(t, err)
	assert.Equal(t, "cmc", gw.Name)
}

func TestFilterToFailed_NothingRecorded(t *testing.T) {
	ledger := backup.NewLedger(filepath.Join(t.TempDir(), "failures.json"))

	filtered, err := filterToFailed(testInventory(), ledger)
	require.NoError(t, err)
	assert.Empty(t, filtered.BackupTargets())
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "v1.2.3", formatVersion("v1.2.3"))
	assert.Equal(t, "", formatVersion(""))
}

func TestBackupCommandRegistered(t *testing.T) {
	names := make([]string, 0)
	for _, cmd := range rootCmd.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Contains(t, names, "backup")
	assert.Contains(t, names, "version")
}
