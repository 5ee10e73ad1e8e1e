package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BLSQ/openhexa-app-sub000/internal/logger"
	"github.com/BLSQ/openhexa-app-sub000/internal/store/postgres"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hexaq",
	Short: "hexaq is a command line tool for operating the workspace job queue",
	Long: `hexaq is the operator CLI for the workspace job queue and run
lifecycle engine.

The engine coordinates background jobs and pipeline runs across workspaces
through a shared PostgreSQL store. This tool talks to that store directly:
it can enqueue jobs, inspect abandoned ones, and trigger, inspect or stop
pipeline runs.

Common workflows:

  Enqueue a metadata extraction job:
    hexaq enqueue --queue metadata --task generate_file_metadata --args '{"file_id":"..."}'

  Inspect jobs that exhausted their retries:
    hexaq jobs abandoned --queue metadata

  Trigger a pipeline run:
    hexaq runs trigger --workspace <id> --pipeline <id> --by alice

  Follow a run:
    hexaq runs show <run-id>
    hexaq runs logs <run-id>

  Request cancellation:
    hexaq runs stop <run-id> --by alice

Configuration:
  Set the database connection via a flag, environment variable or config file:
    HEXAQ_DATABASE_URL    PostgreSQL connection string`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".hexaq")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "HEXAQ_VARNAME"
	viper.SetEnvPrefix("HEXAQ")
	viper.AutomaticEnv()

	viper.ReadInConfig()
}

// openStore connects to the configured database for the duration of one
// command.
func openStore(cmd *cobra.Command) (*postgres.Store, error) {
	dsn := viper.GetString("database_url")
	if dsn == "" {
		return nil, fmt.Errorf("database connection not configured (set --database-url or HEXAQ_DATABASE_URL)")
	}
	return postgres.New(cmd.Context(), dsn)
}

// cliLogger returns a quiet logger for library code invoked from commands.
func cliLogger() *slog.Logger {
	return logger.New(slog.LevelWarn)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hexaq.yaml)")

	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string")
	viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
}
