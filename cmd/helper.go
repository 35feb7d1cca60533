package cmd

import (
	"fmt"
	goruntime "runtime"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/caravanctl/caravan/compat"
	"github.com/caravanctl/caravan/orchestrator"
	"github.com/caravanctl/caravan/remote"
	"github.com/caravanctl/caravan/runtime"
	"github.com/caravanctl/caravan/types"
)

// addMigrationFlags registers the request flags shared by check, dryrun
// and migrate.
func addMigrationFlags(cmd *cobra.Command) {
	cmd.Flags().String("target-host", "", "target host (user@host for ssh, \"localhost\" for local)")
	cmd.Flags().String("source-arch", runtime.NormalizeArch(goruntime.GOARCH), "source CPU architecture")
	cmd.Flags().String("target-arch", "", "target CPU architecture")
	cmd.Flags().Bool("preserve-networking", false, "require network identity to survive the migration")
	cmd.Flags().Bool("preserve-volumes", false, "require volume contents to survive the migration")
	cmd.Flags().Bool("rollback", true, "restart the source container when the migration fails")
	cmd.Flags().Duration("timeout", 0, "overall migration deadline (0 = none)")
	_ = cmd.MarkFlagRequired("target-host")
	_ = cmd.MarkFlagRequired("target-arch")
}

// requestFromFlags builds a MigrationRequest for one container.
func requestFromFlags(cmd *cobra.Command, containerID string) (*types.MigrationRequest, error) {
	targetHost, _ := cmd.Flags().GetString("target-host")
	sourceArch, _ := cmd.Flags().GetString("source-arch")
	targetArch, _ := cmd.Flags().GetString("target-arch")
	preserveNet, _ := cmd.Flags().GetBool("preserve-networking")
	preserveVol, _ := cmd.Flags().GetBool("preserve-volumes")
	rollback, _ := cmd.Flags().GetBool("rollback")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	if containerID == "" {
		return nil, fmt.Errorf("empty container ID")
	}
	if targetArch == "" {
		return nil, fmt.Errorf("--target-arch is required")
	}

	return &types.MigrationRequest{
		ContainerID:        containerID,
		SourceHost:         "localhost",
		TargetHost:         targetHost,
		SourceArch:         sourceArch,
		TargetArch:         targetArch,
		PreserveNetworking: preserveNet,
		PreserveVolumes:    preserveVol,
		RollbackOnFailure:  rollback,
		Timeout:            timeout,
	}, nil
}

// newOrchestrator assembles the production orchestrator from config.
func newOrchestrator() (*orchestrator.Orchestrator, error) {
	o, err := orchestrator.New(conf)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}
	return o, nil
}

// newChecker builds a compatibility checker over the local source runtime,
// plus the target-side storage driver prober when one is needed.
func newChecker(req *types.MigrationRequest) (*compat.Checker, compat.DriverProber) {
	source := runtime.NewDocker(conf.DockerBinary, remote.Local{}, conf.StopTimeoutSeconds)
	checker := compat.New(conf, source)

	var prober compat.DriverProber
	if req.PreserveVolumes {
		prober = runtime.NewDocker(conf.DockerBinary, targetRunner(req.TargetHost), conf.StopTimeoutSeconds)
	}
	return checker, prober
}

func targetRunner(host string) remote.Runner {
	if host == "" || host == "localhost" {
		return remote.Local{}
	}
	return remote.NewSSH(conf.SSHBinary, host, conf.ConnectTimeoutSeconds)
}

// printReport renders a compatibility report for check/dryrun output.
func printReport(report *types.CompatibilityReport) {
	if report.Compatible {
		fmt.Println("compatible: yes")
	} else {
		fmt.Println("compatible: no")
	}
	for _, r := range report.BlockingReasons {
		fmt.Printf("  block: %s\n", r)
	}
	for _, w := range report.Warnings {
		fmt.Printf("  warn:  %s\n", w)
	}
}

// timeRound trims durations in human-facing output.
const timeRound = 100 * time.Millisecond

func formatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}

func formatAge(t time.Time) string {
	return units.HumanDuration(time.Since(t)) + " ago"
}
