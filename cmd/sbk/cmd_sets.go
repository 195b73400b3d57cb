package main

import (
	"fmt"
	"os"
	"sbk/internal/config"
	"sbk/internal/util"
)

// addSet appends a backup set built from a preset to the config file.
// sources, when given, replace the preset's own.
func addSet(configPath, preset, name, homeDir string, sources []string) error {
	if homeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to determine home directory: %w", err)
		}
		homeDir = home
	}

	set := config.NewBackupSetFromPreset(config.ParsePreset(preset), homeDir, util.UUIDGenerator{})
	if name != "" {
		set.Name = name
	}
	if len(sources) > 0 {
		set.Sources = sources
	}
	if len(set.Sources) == 0 {
		return fmt.Errorf("preset %s has no default sources, pass --source", preset)
	}

	if err := config.Update(configPath, func(c *config.Config) error {
		c.BackupSets = append(c.BackupSets, set)
		return c.Validate()
	}); err != nil {
		return err
	}

	fmt.Printf("Added backup set %s (%s) with sources %v\n", set.ID, set.Name, set.Sources)
	return nil
}
