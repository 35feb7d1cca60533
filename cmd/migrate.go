package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/caravanctl/caravan/types"
)

// migrator is the orchestrator surface the migrate command drives.
type migrator interface {
	Submit(ctx context.Context, req *types.MigrationRequest) (string, error)
	Wait(ctx context.Context, migrationID string) (*types.MigrationResult, error)
}

var migrateCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [flags] CONTAINER [CONTAINER...]",
		Short: "Migrate running container(s) to a target host and architecture",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runMigrate,
	}
	addMigrationFlags(cmd)
	cmd.Flags().Bool("detach", false, "print migration IDs immediately instead of reporting outcomes; the process still waits for all migrations to finish before exiting")
	return cmd
}()

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	detach, _ := cmd.Flags().GetBool("detach")

	o, err := newOrchestrator()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conf.PoolSize)
	for _, containerID := range args {
		g.Go(func() error {
			req, err := requestFromFlags(cmd, containerID)
			if err != nil {
				return err
			}
			return migrateOne(gctx, o, req, detach, cmd.OutOrStdout())
		})
	}
	return g.Wait()
}

// migrateOne submits one migration and waits for its terminal phase. The
// pipeline runs as a goroutine of this process, so even in detach mode the
// command must stay alive until the migration finishes; detach only changes
// what is reported, never whether we wait.
func migrateOne(ctx context.Context, o migrator, req *types.MigrationRequest, detach bool, out io.Writer) error {
	logger := log.WithFunc("cmd.migrate")

	id, err := o.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("submit %s: %w", req.ContainerID, err)
	}
	logger.Infof(ctx, "migration %s started for container %s", id, req.ContainerID)

	if detach {
		fmt.Fprintln(out, id)
		if _, err := o.Wait(ctx, id); err != nil {
			logger.Warnf(ctx, "wait %s: %v", id, err)
		}
		return nil
	}

	result, err := o.Wait(ctx, id)
	if err != nil {
		return fmt.Errorf("wait %s: %w", id, err)
	}
	if !result.Success {
		if result.RolledBack {
			logger.Warnf(ctx, "migration %s failed, source container restarted: %v", id, result.Err)
		}
		return fmt.Errorf("migration %s: %w", id, result.Err)
	}
	logger.Infof(ctx, "migration %s completed in %s", id, result.Duration.Round(timeRound))
	return nil
}
