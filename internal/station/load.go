package station

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/otops/backhaul/internal/errors"
)

// LoadInventory reads and validates a station inventory YAML file.
func LoadInventory(path string) (Inventory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Inventory{}, errors.WrapWithCode(err, errors.ErrNotFound,
				"Station inventory not found: "+path,
				"Point --config or the inventory setting at an existing file")
		}
		return Inventory{}, errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot read station inventory: "+path, "Check file permissions")
	}

	var inv Inventory
	if err := yaml.Unmarshal(raw, &inv); err != nil {
		return Inventory{}, errors.WrapWithCode(err, errors.ErrConfig,
			"Station inventory is not valid YAML: "+path, "")
	}

	if inv.Station == "" {
		return Inventory{}, errors.New(errors.ErrConfig,
			"Station inventory has no station name: "+path,
			"Add a top-level 'station' key")
	}
	if len(inv.Machines) == 0 {
		return Inventory{}, errors.New(errors.ErrConfig,
			fmt.Sprintf("Station %q has no machines", inv.Station),
			"Add at least the CMC record to the inventory")
	}

	for i := range inv.Machines {
		inv.Machines[i].normalize()
		if err := inv.Machines[i].validate(); err != nil {
			return Inventory{}, err
		}
	}
	return inv, nil
}

// LoadSecrets reads a station secrets YAML file. When expectStation is
// non-empty the file must belong to that station; pointing a backup run at
// the wrong station's passwords should fail loudly, not at the first login
// prompt.
func LoadSecrets(path, expectStation string) (Secrets, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Secrets{}, errors.WrapWithCode(err, errors.ErrNotFound,
				"Station secrets not found: "+path,
				"Create a secrets file for this station")
		}
		return Secrets{}, errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot read station secrets: "+path, "Check file permissions")
	}

	var secrets Secrets
	if err := yaml.Unmarshal(raw, &secrets); err != nil {
		return Secrets{}, errors.WrapWithCode(err, errors.ErrConfig,
			"Station secrets file is not valid YAML: "+path, "")
	}

	if len(secrets.Passwords) == 0 {
		return Secrets{}, errors.New(errors.ErrConfig,
			"Station secrets file has no passwords: "+path,
			"Add at least one 'ip: password' entry under passwords")
	}
	if expectStation != "" && secrets.Station != expectStation {
		return Secrets{}, errors.New(errors.ErrConfig,
			fmt.Sprintf("Secrets file belongs to station %q, expected %q",
				secrets.Station, expectStation),
			"Use the secrets file that matches the inventory")
	}
	return secrets, nil
}
