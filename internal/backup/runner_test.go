package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otops/backhaul/internal/errors"
	"github.com/otops/backhaul/internal/logger"
	"github.com/otops/backhaul/internal/station"
	"github.com/otops/backhaul/pkg/sshexpect"
)

const sampleScriptOutput = `Starting backup...
Backup file guardian-norte_20260830.nozomi_backup copied to admin@203.0.113.1:/home/admin/backups/guardian-norte_20260830.nozomi_backup
Done.
`

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

func testSecrets() station.Secrets {
	return station.Secrets{
		Station: "almazora",
		Passwords: map[string]string{
			"203.0.113.1": "cmc-pw",
			"203.0.113.5": "g5-pw",
			"203.0.113.6": "g6-pw",
		},
	}
}

// fakeGroup scripts RunTarget results per target host.
type fakeGroup struct {
	results map[string]sshexpect.ExecutionResult
	errs    map[string]error

	ran    []string
	closes int
}

func (f *fakeGroup) RunTarget(target sshexpect.Endpoint, steps []sshexpect.Step) (sshexpect.ExecutionResult, error) {
	f.ran = append(f.ran, target.Host)
	if err := f.errs[target.Host]; err != nil {
		return sshexpect.ExecutionResult{}, err
	}
	return f.results[target.Host], nil
}

func (f *fakeGroup) Close() { f.closes++ }

func newTestRunner(t *testing.T, group *fakeGroup) *Runner {
	t.Helper()
	r := NewRunner(testInventory(), testSecrets(), Options{
		Username: "admin",
		Script:   "scripts/backup.sh",
	}, logger.Noop())
	r.newGroup = func(gateway sshexpect.Endpoint, targets []sshexpect.Endpoint) (targetRunner, error) {
		assert.Equal(t, "203.0.113.1", gateway.Host)
		return group, nil
	}
	return r
}

func successResult(output string) sshexpect.ExecutionResult {
	return sshexpect.ExecutionResult{
		Success: true,
		Outputs: []sshexpect.CommandOutput{{Output: output, ExitCode: 0}},
	}
}

func TestExtractRemoteBackupPath(t *testing.T) {
	path := ExtractRemoteBackupPath(sampleScriptOutput)
	assert.Equal(t, "/home/admin/backups/guardian-norte_20260830.nozomi_backup", path)

	assert.Empty(t, ExtractRemoteBackupPath("Backup failed: disk full"))
	assert.Empty(t, ExtractRemoteBackupPath("Backup file x copied to host:/tmp/x.tar.gz"))
}

func TestRunner_GatewayEndpoint(t *testing.T) {
	r := NewRunner(testInventory(), testSecrets(), Options{Username: "admin"}, logger.Noop())

	gw, err := r.GatewayEndpoint()
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.1", gw.Host)
	assert.Equal(t, "10.10.1.1", gw.InternalHost)
	assert.Equal(t, "admin", gw.User)
	assert.Equal(t, "cmc-pw", gw.Secret)
}

func TestRunner_GatewayEndpoint_MissingPassword(t *testing.T) {
	secrets := testSecrets()
	delete(secrets.Passwords, "203.0.113.1")
	r := NewRunner(testInventory(), secrets, Options{Username: "admin"}, logger.Noop())

	_, err := r.GatewayEndpoint()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCredential))
}

func TestRunner_Run(t *testing.T) {
	group := &fakeGroup{results: map[string]sshexpect.ExecutionResult{
		"203.0.113.5": successResult(sampleScriptOutput),
		"203.0.113.6": successResult("no backup line here"),
	}}
	r := newTestRunner(t, group)

	results, err := r.Run()
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, []string{"203.0.113.5", "203.0.113.6"}, group.ran)

	assert.True(t, results[0].Execution.Success)
	assert.Equal(t, "g-norte", results[0].Machine.Name)
	assert.Equal(t, "/home/admin/backups/guardian-norte_20260830.nozomi_backup", results[0].RemoteBackupPath)

	// Success without a reported path is still a success at the execution
	// level; the missing path shows up in the result.
	assert.True(t, results[1].Execution.Success)
	assert.Empty(t, results[1].RemoteBackupPath)
}

func TestRunner_Run_TargetFailureForcesReset(t *testing.T) {
	failed := sshexpect.ExecutionResult{
		Success: false,
		Err:     errors.New(errors.ErrTargetConn, "nested SSH failed", ""),
	}
	group := &fakeGroup{results: map[string]sshexpect.ExecutionResult{
		"203.0.113.5": failed,
		"203.0.113.6": successResult(sampleScriptOutput),
	}}
	r := newTestRunner(t, group)

	results, err := r.Run()
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.False(t, results[0].Execution.Success)
	assert.True(t, results[1].Execution.Success)

	// One forced close after the defect, one deferred at the end.
	assert.Equal(t, 2, group.closes)
}

func TestRunner_Run_GatewayFailureAborts(t *testing.T) {
	group := &fakeGroup{
		results: map[string]sshexpect.ExecutionResult{
			"203.0.113.6": successResult(sampleScriptOutput),
		},
		errs: map[string]error{
			"203.0.113.5": errors.New(errors.ErrGatewayConn, "gateway unreachable", ""),
		},
	}
	r := newTestRunner(t, group)

	results, err := r.Run()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrGatewayConn))

	// The failing target is recorded; the one after it was never attempted.
	require.Len(t, results, 1)
	assert.False(t, results[0].Execution.Success)
	assert.Equal(t, []string{"203.0.113.5"}, group.ran)
}

func TestRunner_Run_MissingTargetPassword(t *testing.T) {
	secrets := testSecrets()
	delete(secrets.Passwords, "203.0.113.6")
	r := NewRunner(testInventory(), secrets, Options{Username: "admin"}, logger.Noop())

	_, err := r.Run()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCredential))
}

func TestRunner_Run_NoEligibleTargets(t *testing.T) {
	inv := station.Inventory{
		Station: "x",
		Machines: []station.Machine{
			{Type: station.TypeCMC, Name: "cmc", ExternalIP: "203.0.113.1", InternalIP: "10.10.1.1", State: station.StateInstalled},
			{Type: station.TypeGuardian, Name: "g1", State: station.StatePending},
		},
	}
	r := NewRunner(inv, testSecrets(), Options{Username: "admin"}, logger.Noop())

	_, err := r.Run()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}
