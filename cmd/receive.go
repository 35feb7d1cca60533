package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/caravanctl/caravan/pack"
	"github.com/caravanctl/caravan/transport/registry"
	"github.com/caravanctl/caravan/utils"
)

// receiveCmd runs on the target host. The registry transport invokes it over
// ssh to materialize a pushed package as a local file.
var receiveCmd = &cobra.Command{
	Use:   "receive REF DEST",
	Short: "Pull a migration package image from a registry to a local file",
	Args:  cobra.ExactArgs(2), //nolint:mnd
	RunE:  runReceive,
}

func runReceive(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	ref, dest := args[0], args[1]
	logger := log.WithFunc("cmd.receive")

	if err := utils.EnsureDir(filepath.Dir(dest)); err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	if err := registry.Fetch(ctx, ref, dest); err != nil {
		return fmt.Errorf("receive %s: %w", ref, err)
	}

	sum, err := pack.ChecksumFile(dest)
	if err != nil {
		return fmt.Errorf("checksum %s: %w", dest, err)
	}
	logger.Infof(ctx, "received %s to %s (%s)", ref, dest, sum)
	return nil
}
