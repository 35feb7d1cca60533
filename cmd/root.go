package cmd

import (
	"context"
	"fmt"
	"runtime"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/caravanctl/caravan/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caravan",
		Short: "Caravan - cross-architecture container migration",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("work-dir", "", "base directory for migration workspaces")
	cmd.PersistentFlags().String("transport", "", "package transport: scp or registry")
	cmd.PersistentFlags().String("registry-repo", "", "OCI repository for the registry transport")

	_ = viper.BindPFlag("work_dir", cmd.PersistentFlags().Lookup("work-dir"))
	_ = viper.BindPFlag("transport", cmd.PersistentFlags().Lookup("transport"))
	_ = viper.BindPFlag("registry_repo", cmd.PersistentFlags().Lookup("registry-repo"))

	viper.SetEnvPrefix("CARAVAN")
	viper.AutomaticEnv()

	cmd.AddCommand(
		checkCmd,
		migrateCmd,
		dryrunCmd,
		psCmd,
		statusCmd,
		cancelCmd,
		checkpointsCmd,
		gcCmd,
		receiveCmd,
		versionCmd,
	)

	return cmd
}()

func initConfig() error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}
	if conf.StopTimeoutSeconds <= 0 {
		conf.StopTimeoutSeconds = 30 //nolint:mnd
	}
	if conf.RestoreWaitSeconds <= 0 {
		conf.RestoreWaitSeconds = 60 //nolint:mnd
	}

	return log.SetupLog(context.Background(), &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
