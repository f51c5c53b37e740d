package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store status",
	Long:  `Show the store location, whether it has been set up, and its schema version.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	dir := getStoreDir()
	dbPath := filepath.Join(dir, dbFilename)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"path": dir, "exists": false})
		}
		Warning("No store at %s", dir)
		fmt.Fprintln(os.Stderr, "Create one with: lockbox init")
		return nil
	}

	ds, backend, err := openStore()
	if err != nil {
		return err
	}
	defer backend.Close()

	version, err := backend.SchemaVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	setUp := ds.MasterKeyID() != ""

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"path":           dir,
			"exists":         true,
			"set_up":         setUp,
			"schema_version": version,
		})
	}

	PrintKeyValue("Store", dir)
	PrintKeyValue("Schema version", fmt.Sprintf("%d", version))
	if setUp {
		Success("Master key configured")
	} else {
		Warning("Not set up, run 'lockbox init'")
	}
	return nil
}
