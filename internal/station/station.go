// Package station models the machine inventory of one monitored station:
// which appliances exist, how they are addressed inside and outside the
// station network, and which passwords open them. Inventories and secrets
// are plain data supplied by operators as YAML files.
package station

import (
	"fmt"
	"strings"

	"github.com/otops/backhaul/internal/errors"
)

// MachineType distinguishes the central gateway from the monitored sensors.
type MachineType string

const (
	// TypeCMC is the central management console. It doubles as the SSH
	// gateway: every station has exactly one, and it is the only machine
	// reachable from outside the station network.
	TypeCMC MachineType = "CMC"

	// TypeGuardian is a monitoring sensor, reachable only through the CMC.
	TypeGuardian MachineType = "GUARDIAN"
)

// Machine lifecycle states as operators record them. A machine stays
// "pendiente" until it is physically installed, at which point it
// gains addresses and becomes eligible for backups.
const (
	StateInstalled  = "instalada"
	StateMonitoring = "monitoreando"
	StateLearning   = "aprendizaje"
	StatePending    = "pendiente"
)

var knownStates = map[string]bool{
	StateInstalled:  true,
	StateMonitoring: true,
	StateLearning:   true,
	StatePending:    true,
}

// Machine is one inventory record.
type Machine struct {
	Name       string      `yaml:"machine_name"`
	Type       MachineType `yaml:"type"`
	ExternalIP string      `yaml:"ip_external"`
	InternalIP string      `yaml:"ip_internal"`
	State      string      `yaml:"state"`
}

// normalize trims and case-folds the free-text fields. Inventory files are
// maintained by hand; "Guardian " and "GUARDIAN" mean the same machine type.
func (m *Machine) normalize() {
	m.Name = strings.ToLower(strings.TrimSpace(m.Name))
	m.Type = MachineType(strings.ToUpper(strings.TrimSpace(string(m.Type))))
	m.State = strings.ToLower(strings.TrimSpace(m.State))
	m.ExternalIP = strings.TrimSpace(m.ExternalIP)
	m.InternalIP = strings.TrimSpace(m.InternalIP)
}

func (m Machine) validate() error {
	if m.Name == "" {
		return errors.New(errors.ErrConfig,
			"Inventory record without a machine name",
			"Every machine needs a machine_name")
	}
	if m.Type != TypeCMC && m.Type != TypeGuardian {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Machine %q has unknown type %q", m.Name, m.Type),
			"Machine type must be CMC or GUARDIAN")
	}
	if !knownStates[m.State] {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Machine %q has unknown state %q", m.Name, m.State),
			"State must be one of: instalada, monitoreando, aprendizaje, pendiente")
	}
	// Addresses may be missing only while the machine is not installed yet.
	if m.State != StatePending && (m.ExternalIP == "" || m.InternalIP == "") {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Machine %q is %q but is missing an IP address", m.Name, m.State),
			"Installed machines need both ip_external and ip_internal")
	}
	return nil
}

// Inventory is the full machine list of one station.
type Inventory struct {
	Station  string    `yaml:"station"`
	Machines []Machine `yaml:"machines"`
}

// Gateway returns the station's single CMC record. Zero or several CMC
// entries mean the inventory file is corrupted.
func (inv Inventory) Gateway() (Machine, error) {
	var cmcs []Machine
	for _, m := range inv.Machines {
		if m.Type == TypeCMC {
			cmcs = append(cmcs, m)
		}
	}
	if len(cmcs) != 1 {
		return Machine{}, errors.New(errors.ErrConfig,
			fmt.Sprintf("Station %q has %d CMC entries, expected exactly one", inv.Station, len(cmcs)),
			"Fix the station inventory file")
	}
	return cmcs[0], nil
}

// BackupTargets returns the machines eligible for backup: installed
// guardians. Pending machines have no addresses to reach yet.
func (inv Inventory) BackupTargets() []Machine {
	var targets []Machine
	for _, m := range inv.Machines {
		if m.Type == TypeGuardian && m.State != StatePending {
			targets = append(targets, m)
		}
	}
	return targets
}

// Secrets maps a machine's external IP to its SSH password, for one station.
type Secrets struct {
	Station   string            `yaml:"station"`
	Passwords map[string]string `yaml:"passwords"`
}

// PasswordFor returns the password for the machine with the given external
// IP. A machine without a configured password is a credential defect, not a
// connection one: nothing was attempted yet.
func (s Secrets) PasswordFor(externalIP string) (string, error) {
	password, ok := s.Passwords[externalIP]
	if !ok || password == "" {
		return "", errors.New(errors.ErrCredential,
			"No password configured for machine IP "+externalIP,
			"Add the machine to the station secrets file")
	}
	return password, nil
}
