package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/storage/sqlite"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a loom workspace in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := config.Dir
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}

		cfgPath := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			stub := "# loom configuration\n# actor: my-agent\n# log:\n#   level: info\n"
			if err := os.WriteFile(cfgPath, []byte(stub), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", cfgPath, err)
			}
		}

		path := filepath.Join(dir, "loom.db")
		created := false
		if _, err := os.Stat(path); os.IsNotExist(err) {
			d, err := sqlite.Open(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("create database: %w", err)
			}
			_ = d.Close()
			created = true
		}

		if created {
			fmt.Printf("Initialized loom workspace: %s\n", path)
		} else {
			fmt.Printf("Workspace already initialized: %s\n", path)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
