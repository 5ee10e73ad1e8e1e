package cmd

import (
	"bytes"
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func resetViper() {
	viper.Reset()
	viper.SetEnvPrefix("HEXAQ")
	viper.AutomaticEnv()
}

func TestRootCommand_ExecuteHelp(t *testing.T) {
	resetViper()

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{"--help"})

	if err := rootCmd.Execute(); err != nil {
		t.Errorf("root command should execute without error: %v", err)
	}
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	for _, use := range []string{"enqueue", "jobs", "runs"} {
		found := false
		for _, cmd := range rootCmd.Commands() {
			if cmd.Use == use {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected %q subcommand to be registered", use)
		}
	}
}

func TestRootCommand_EnvVarBinding(t *testing.T) {
	resetViper()

	t.Setenv("HEXAQ_DATABASE_URL", "postgres://from-env/db")

	if got := viper.GetString("database_url"); got != "postgres://from-env/db" {
		t.Errorf("expected database_url from env var, got: %s", got)
	}
}

func TestRootCommand_CustomConfigFile(t *testing.T) {
	resetViper()

	tmpFile, err := os.CreateTemp("", "hexaq-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	tmpFile.WriteString("database_url: postgres://from-config/db\n")
	tmpFile.Close()

	cfgFile = tmpFile.Name()
	initConfig()

	if got := viper.GetString("database_url"); got != "postgres://from-config/db" {
		t.Errorf("expected database_url from config file, got: %s", got)
	}

	// Reset for other tests
	cfgFile = ""
}

func TestOpenStore_Unconfigured(t *testing.T) {
	resetViper()

	_, err := openStore(&cobra.Command{})
	if err == nil {
		t.Error("expected error when database_url is not configured")
	}
}

func TestExecute_UnknownCommand(t *testing.T) {
	resetViper()

	rootCmd.SetArgs([]string{"unknown-command-xyz"})

	if err := Execute(); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestEnqueueCommand_FlagDefaults(t *testing.T) {
	if got, _ := enqueueCmd.Flags().GetString("queue"); got != "metadata" {
		t.Errorf("expected default queue metadata, got %s", got)
	}
	if got, _ := enqueueCmd.Flags().GetInt("max-retries"); got != 3 {
		t.Errorf("expected default max-retries 3, got %d", got)
	}
	if got, _ := enqueueCmd.Flags().GetDuration("delay"); got != 0 {
		t.Errorf("expected default delay 0, got %v", got)
	}
}

func TestRunsCommand_HasLifecycleSubcommands(t *testing.T) {
	want := map[string]bool{
		"trigger":       false,
		"show [run_id]": false,
		"logs [run_id]": false,
		"stop [run_id]": false,
	}
	for _, cmd := range runsCmd.Commands() {
		if _, ok := want[cmd.Use]; ok {
			want[cmd.Use] = true
		}
	}
	for use, found := range want {
		if !found {
			t.Errorf("expected runs subcommand %q to be registered", use)
		}
	}
}

func TestJobsCommand_HasInspectionSubcommands(t *testing.T) {
	want := map[string]bool{
		"abandoned":     false,
		"show [job_id]": false,
	}
	for _, cmd := range jobsCmd.Commands() {
		if _, ok := want[cmd.Use]; ok {
			want[cmd.Use] = true
		}
	}
	for use, found := range want {
		if !found {
			t.Errorf("expected jobs subcommand %q to be registered", use)
		}
	}
}
