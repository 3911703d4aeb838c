package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/otops/backhaul/internal/backup"
	"github.com/otops/backhaul/internal/config"
	"github.com/otops/backhaul/internal/errors"
	"github.com/otops/backhaul/internal/logger"
	"github.com/otops/backhaul/internal/station"
)

var (
	backupRetryFailed bool
	backupSkipFetch   bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run the backup workflow for the configured station",
	Long: `Run the backup script on every eligible guardian of the station,
through the station's CMC gateway, then download the produced backup files.

Targets are processed one at a time over a single shared gateway
connection. A failing target is recorded and skipped; the rest of the
station is still backed up.

Examples:
  backhaul backup
  backhaul backup --retry-failed
  backhaul backup --skip-fetch -v`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return backupCommand(backupRetryFailed, backupSkipFetch)
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().BoolVar(&backupRetryFailed, "retry-failed", false, "only retry the targets that failed last run")
	backupCmd.Flags().BoolVar(&backupSkipFetch, "skip-fetch", false, "run the backup script but do not download the files")
}

func backupCommand(retryFailed, skipFetch bool) error {
	cfgPath, err := config.Find(Config())
	if err != nil {
		return err
	}
	if cfgPath == "" {
		return errors.New(errors.ErrConfig,
			"No config file found",
			"Create a "+config.ConfigFileName+" or pass --config")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := config.ValidateForBackup(cfg); err != nil {
		return err
	}

	inventory, err := station.LoadInventory(cfg.Station.Inventory)
	if err != nil {
		return err
	}
	secrets, err := station.LoadSecrets(cfg.Station.Secrets, inventory.Station)
	if err != nil {
		return err
	}
	if err := promptMissingSecrets(inventory, &secrets); err != nil {
		return err
	}

	ledger, err := backup.LoadLedger(cfg.Backup.FailuresFile)
	if err != nil {
		return err
	}

	if retryFailed {
		inventory, err = filterToFailed(inventory, ledger)
		if err != nil {
			return err
		}
		if len(inventory.BackupTargets()) == 0 {
			fmt.Printf("Nothing to retry: no recorded failures for station %q\n", inventory.Station)
			return nil
		}
	}

	runner := backup.NewRunner(inventory, secrets, backup.Options{
		Username:       cfg.SSH.Username,
		Script:         cfg.Backup.Script,
		ScriptTimeout:  cfg.Backup.ScriptTimeout,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		PromptTimeout:  cfg.SSH.PromptTimeout,
		GatewayPrompt:  cfg.SSH.GatewayPrompt,
		TargetPrompt:   cfg.SSH.TargetPrompt,
		Verbose:        Verbose(),
	}, logger.Default())

	results, runErr := runner.Run()

	fetchFailures := map[string]error{}
	if !skipFetch {
		fetchFailures = fetchBackups(cfg, results)
	}

	ledger.RecordRun(inventory.Station, results)
	for ip, fetchErr := range fetchFailures {
		for _, result := range results {
			if result.Machine.ExternalIP == ip {
				ledger.Add(inventory.Station, backup.FailureRecord{
					Machine: result.Machine.Name,
					IP:      ip,
					Error:   "download failed: " + fetchErr.Error(),
				})
			}
		}
	}
	if err := ledger.Save(); err != nil {
		logger.Default().Warn("[backup] could not save failure ledger: %v", err)
	}

	printSummary(inventory.Station, results, fetchFailures)

	if runErr != nil {
		return runErr
	}
	if failed := len(ledger.FailedIPs(inventory.Station)); failed > 0 {
		return errors.New(errors.ErrExec,
			fmt.Sprintf("%d of %d backups failed", failed, len(results)),
			"Re-run with 'backhaul backup --retry-failed' after checking the machines")
	}
	return nil
}

// fetchBackups downloads every proven backup file from the gateway,
// returning the download errors keyed by target external IP.
func fetchBackups(cfg *config.Config, results []backup.Result) map[string]error {
	failures := map[string]error{}
	for _, result := range results {
		if result.RemoteBackupPath == "" {
			continue
		}
		fetcher := backup.NewFetcher(result.Gateway, cfg.SSH.ConnectTimeout, logger.Default())
		if _, err := fetcher.Fetch(result.RemoteBackupPath, cfg.Backup.Destination); err != nil {
			logger.Default().Warn("[backup] %s: download failed: %v", result.Machine.Name, err)
			failures[result.Machine.ExternalIP] = err
		}
	}
	return failures
}

// filterToFailed narrows the inventory to the guardians whose IPs failed in
// the last recorded run. The CMC stays: it is the gateway.
func filterToFailed(inventory station.Inventory, ledger *backup.Ledger) (station.Inventory, error) {
	failed := map[string]bool{}
	for _, ip := range ledger.FailedIPs(inventory.Station) {
		failed[ip] = true
	}

	filtered := station.Inventory{Station: inventory.Station}
	for _, m := range inventory.Machines {
		if m.Type == station.TypeCMC || failed[m.ExternalIP] {
			filtered.Machines = append(filtered.Machines, m)
		}
	}
	return filtered, nil
}

// promptMissingSecrets interactively asks for passwords the secrets file
// omits, so a run is not lost to one missing entry. Non-interactive runs
// skip this and fail later with a credential error naming the machine.
func promptMissingSecrets(inventory station.Inventory, secrets *station.Secrets) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	if secrets.Passwords == nil {
		secrets.Passwords = map[string]string{}
	}

	machines := inventory.BackupTargets()
	if gateway, err := inventory.Gateway(); err == nil {
		machines = append([]station.Machine{gateway}, machines...)
	}

	for _, m := range machines {
		if _, ok := secrets.Passwords[m.ExternalIP]; ok {
			continue
		}
		fmt.Fprintf(os.Stderr, "Password for %s (%s): ", m.Name, m.ExternalIP)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return errors.WrapWithCode(err, errors.ErrCredential,
				"Could not read password for "+m.Name, "")
		}
		if len(raw) > 0 {
			secrets.Passwords[m.ExternalIP] = string(raw)
		}
	}
	return nil
}

func printSummary(stationName string, results []backup.Result, fetchFailures map[string]error) {
	fmt.Printf("\nStation %s: %d targets attempted\n", stationName, len(results))
	for _, result := range results {
		switch {
		case result.Execution.Success && result.RemoteBackupPath != "" && fetchFailures[result.Machine.ExternalIP] == nil:
			fmt.Printf("  ok      %-20s %s\n", result.Machine.Name, result.RemoteBackupPath)
		case result.Execution.Success && result.RemoteBackupPath != "":
			fmt.Printf("  no-dl   %-20s %s\n", result.Machine.Name, result.RemoteBackupPath)
		case result.Execution.Success:
			fmt.Printf("  no-file %-20s script succeeded but reported no backup file\n", result.Machine.Name)
		default:
			fmt.Printf("  failed  %-20s %v\n", result.Machine.Name, result.Execution.Err)
		}
	}
}
