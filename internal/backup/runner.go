// Package backup drives the appliance backup workflow: run the backup
// script on every eligible guardian through the station's CMC gateway,
// extract the path of the produced backup file, download it, and keep a
// ledger of what failed.
package backup

import (
	"regexp"
	"time"

	"github.com/otops/backhaul/internal/errors"
	"github.com/otops/backhaul/internal/logger"
	"github.com/otops/backhaul/internal/station"
	"github.com/otops/backhaul/pkg/sshexpect"
)

// remoteBackupPathRe pulls the produced backup file's path out of the
// script output. The script ends by scp-ing the archive to the gateway and
// reporting "Backup file <name> copied to <gateway>:<path>".
var remoteBackupPathRe = regexp.MustCompile(`Backup file .* copied to .*?:(/.+?\.nozomi_backup)`)

// Result is the outcome of the backup script on one target.
type Result struct {
	Gateway sshexpect.Endpoint
	Target  sshexpect.Endpoint

	// Machine is the inventory record the target endpoint was built from.
	Machine station.Machine

	Execution sshexpect.ExecutionResult

	// RemoteBackupPath is the backup file's path on the gateway, empty when
	// the run failed or the script output did not name one.
	RemoteBackupPath string
}

// Options configures a backup run.
type Options struct {
	// Username is the SSH account shared by every machine in the station.
	Username string

	// Script is the local path of the backup script executed (as root) on
	// each target.
	Script string

	// ScriptTimeout bounds one script execution.
	ScriptTimeout time.Duration

	// ConnectTimeout and PromptTimeout are passed through to the SSH layer.
	ConnectTimeout time.Duration
	PromptTimeout  time.Duration

	// GatewayPrompt and TargetPrompt detect shell readiness on each hop.
	GatewayPrompt string
	TargetPrompt  string

	// Verbose streams the live shell transcript to the debug log.
	Verbose bool
}

// targetRunner is the slice of the group runner the backup loop needs;
// tests substitute scripted implementations.
type targetRunner interface {
	RunTarget(target sshexpect.Endpoint, steps []sshexpect.Step) (sshexpect.ExecutionResult, error)
	Close()
}

// Runner executes the backup script across one station.
type Runner struct {
	inventory station.Inventory
	secrets   station.Secrets
	opts      Options
	log       logger.Logger

	// newGroup builds the serial runner; overridable in tests.
	newGroup func(gateway sshexpect.Endpoint, targets []sshexpect.Endpoint) (targetRunner, error)
}

// NewRunner builds a Runner for one station's inventory and secrets.
func NewRunner(inventory station.Inventory, secrets station.Secrets, opts Options, log logger.Logger) *Runner {
	if log == nil {
		log = logger.Default()
	}
	r := &Runner{
		inventory: inventory,
		secrets:   secrets,
		opts:      opts,
		log:       log,
	}
	r.newGroup = func(gateway sshexpect.Endpoint, targets []sshexpect.Endpoint) (targetRunner, error) {
		return sshexpect.NewGroup(gateway, targets, sshexpect.GroupOptions{
			GatewayPrompt:  opts.GatewayPrompt,
			TargetPrompt:   opts.TargetPrompt,
			ConnectTimeout: opts.ConnectTimeout,
			PromptTimeout:  opts.PromptTimeout,
			HideOutput:     !opts.Verbose,
		}, log)
	}
	return r
}

// GatewayEndpoint builds the SSH endpoint for the station's CMC.
func (r *Runner) GatewayEndpoint() (sshexpect.Endpoint, error) {
	cmc, err := r.inventory.Gateway()
	if err != nil {
		return sshexpect.Endpoint{}, err
	}
	return r.endpointFor(cmc)
}

// TargetMachines returns the guardians eligible for backup, in inventory
// order.
func (r *Runner) TargetMachines() []station.Machine {
	return r.inventory.BackupTargets()
}

func (r *Runner) endpointFor(m station.Machine) (sshexpect.Endpoint, error) {
	password, err := r.secrets.PasswordFor(m.ExternalIP)
	if err != nil {
		return sshexpect.Endpoint{}, err
	}
	return sshexpect.Endpoint{
		Host:         m.ExternalIP,
		User:         r.opts.Username,
		Secret:       password,
		InternalHost: m.InternalIP,
	}, nil
}

// scpResponders answer the prompts the script's final scp-to-gateway step
// produces: the gateway's password and, on first contact, its host key.
func scpResponders(gatewayPassword string) ([]*sshexpect.Responder, error) {
	scpPassword, err := sshexpect.NewResponder(`(?i)password .*:`, gatewayPassword+"\n")
	if err != nil {
		return nil, err
	}
	return []*sshexpect.Responder{scpPassword, sshexpect.FingerprintResponder()}, nil
}

// scriptStep builds the single step run on every target: the backup script,
// as root, with the gateway's user and host as positional arguments so the
// script knows where to copy the finished archive.
func (r *Runner) scriptStep(gateway sshexpect.Endpoint) (sshexpect.Script, error) {
	responders, err := scpResponders(gateway.Secret)
	if err != nil {
		return sshexpect.Script{}, err
	}
	return sshexpect.Script{
		Source:     r.opts.Script,
		FromFile:   true,
		Args:       []string{gateway.User, gateway.Host},
		RunAsRoot:  true,
		Responders: responders,
		Timeout:    r.opts.ScriptTimeout,
		HideOutput: !r.opts.Verbose,
	}, nil
}

// Run executes the backup script on every eligible guardian, in inventory
// order, and returns one Result per attempted target.
//
// A failed target forces the shared session closed so the next target
// reconnects from scratch. A gateway-level failure (or an invalid step)
// stops the batch: the failing target still gets a Result, targets after it
// are not attempted, and the error is returned alongside the results so far.
func (r *Runner) Run() ([]Result, error) {
	gateway, err := r.GatewayEndpoint()
	if err != nil {
		return nil, err
	}

	machines := r.TargetMachines()
	if len(machines) == 0 {
		return nil, errors.New(errors.ErrConfig,
			"Station "+r.inventory.Station+" has no guardians eligible for backup",
			"Check machine types and states in the inventory")
	}

	targets := make([]sshexpect.Endpoint, 0, len(machines))
	for _, m := range machines {
		endpoint, err := r.endpointFor(m)
		if err != nil {
			return nil, err
		}
		targets = append(targets, endpoint)
	}

	step, err := r.scriptStep(gateway)
	if err != nil {
		return nil, err
	}

	group, err := r.newGroup(gateway, targets)
	if err != nil {
		return nil, err
	}
	defer group.Close()

	results := make([]Result, 0, len(machines))
	for i, target := range targets {
		r.log.Info("[backup] %s (%s): running backup script", machines[i].Name, target.Host)

		execution, err := group.RunTarget(target, []sshexpect.Step{step})
		if err != nil {
			results = append(results, Result{
				Gateway:   gateway,
				Target:    target,
				Machine:   machines[i],
				Execution: sshexpect.ExecutionResult{Success: false, Err: err},
			})
			return results, err
		}

		result := Result{
			Gateway:   gateway,
			Target:    target,
			Machine:   machines[i],
			Execution: execution,
		}
		if execution.Success {
			result.RemoteBackupPath = ExtractRemoteBackupPath(execution.Outputs[0].Output)
			if result.RemoteBackupPath == "" {
				r.log.Warn("[backup] %s: script succeeded but no backup path in output", machines[i].Name)
			}
		} else {
			// Start the next target from a clean gateway reconnect.
			group.Close()
		}
		results = append(results, result)
	}

	return results, nil
}

// ExtractRemoteBackupPath returns the gateway-side path of the produced
// backup file named in the script output, or "" when none is named.
func ExtractRemoteBackupPath(scriptOutput string) string {
	match := remoteBackupPathRe.FindStringSubmatch(scriptOutput)
	if match == nil {
		return ""
	}
	return match[1]
}
