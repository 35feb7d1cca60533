package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/caravanctl/caravan/criu"
	"github.com/caravanctl/caravan/pack"
	"github.com/caravanctl/caravan/utils"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List local checkpoints and packages with their metadata",
	RunE:  runCheckpoints,
}

func runCheckpoints(_ *cobra.Command, _ []string) error {
	migrationsDir := filepath.Join(conf.WorkDir, "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No checkpoints found.")
			return nil
		}
		return fmt.Errorf("checkpoints: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MIGRATION\tCONTAINER\tKIND\tSIZE\tCREATED\tWARNINGS")
	found := false
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()

		cpDir := conf.CheckpointDir(id)
		if meta, err := criu.ReadMetadata(cpDir); err == nil {
			size, _ := utils.DirSize(cpDir)
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
				id, meta.ContainerID, "checkpoint", formatSize(size), formatAge(meta.CreatedAt), len(meta.Warnings))
			found = true
		}

		pkgPath := conf.PackagePath(id)
		if meta, err := pack.ReadMeta(pkgPath); err == nil {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				id, meta.ContainerID, "package", formatSize(meta.SizeBytes), formatAge(meta.CreatedAt), "-")
			found = true
		}
	}
	if !found {
		fmt.Println("No checkpoints found.")
		return nil
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}
