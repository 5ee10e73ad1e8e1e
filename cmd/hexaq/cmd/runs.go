package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/BLSQ/openhexa-app-sub000/internal/run"
	"github.com/BLSQ/openhexa-app-sub000/internal/store"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Trigger and inspect pipeline runs",
}

var runsTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Trigger a new pipeline run",
	Run: func(cmd *cobra.Command, args []string) {
		workspace := mustUUIDFlag(cmd, "workspace")
		pipeline := mustUUIDFlag(cmd, "pipeline")
		version, _ := cmd.Flags().GetInt("version")
		by, _ := cmd.Flags().GetString("by")

		pg, err := openStore(cmd)
		if err != nil {
			cmd.Printf("Error: %s\n", err)
			os.Exit(1)
		}
		defer pg.Close()

		svc := run.NewService(pg, nil, cliLogger())
		r, err := svc.Trigger(cmd.Context(), run.TriggerParams{
			WorkspaceID:     workspace,
			PipelineID:      pipeline,
			PipelineVersion: version,
			TriggeredBy:     by,
			TriggerMode:     store.TriggerModeManual,
		})
		if err != nil {
			cmd.Printf("Error triggering run: %s\n", err)
			os.Exit(1)
		}

		cmd.Printf("Run triggered.\n")
		cmd.Printf("  ID:    %s\n", r.ID)
		cmd.Printf("  State: %s\n", r.State)
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run_id]",
	Short: "Show a run and its declared outputs",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := mustUUIDArg(cmd, args[0])

		pg, err := openStore(cmd)
		if err != nil {
			cmd.Printf("Error: %s\n", err)
			os.Exit(1)
		}
		defer pg.Close()

		svc := run.NewService(pg, nil, cliLogger())
		r, err := svc.Get(cmd.Context(), id)
		if err != nil {
			cmd.Printf("Error fetching run: %s\n", err)
			os.Exit(1)
		}

		cmd.Printf("ID:        %s\n", r.ID)
		cmd.Printf("State:     %s\n", r.State)
		cmd.Printf("Pipeline:  %s (v%d)\n", r.PipelineID, r.PipelineVersion)
		cmd.Printf("Trigger:   %s by %s\n", r.TriggerMode, r.TriggeredBy)
		cmd.Printf("Progress:  %d%%\n", r.CurrentProgress)
		if r.LastHeartbeat != nil {
			cmd.Printf("Heartbeat: %s\n", r.LastHeartbeat.Format(time.RFC3339))
		}
		if r.ErrorMessage != nil {
			cmd.Printf("Error:     %s\n", *r.ErrorMessage)
		}

		outputs, err := svc.Outputs(cmd.Context(), id)
		if err != nil {
			cmd.Printf("Error fetching outputs: %s\n", err)
			os.Exit(1)
		}
		if len(outputs) > 0 {
			cmd.Println("\nOutputs:")
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "KIND\tNAME\tURI")
			for _, out := range outputs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", out.Kind, out.Name, out.URI)
			}
			w.Flush()
		}
	},
}

var runsLogsCmd = &cobra.Command{
	Use:   "logs [run_id]",
	Short: "Print a run's log stream",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := mustUUIDArg(cmd, args[0])
		limit, _ := cmd.Flags().GetInt("limit")

		pg, err := openStore(cmd)
		if err != nil {
			cmd.Printf("Error: %s\n", err)
			os.Exit(1)
		}
		defer pg.Close()

		svc := run.NewService(pg, nil, cliLogger())
		entries, err := svc.Logs(cmd.Context(), id, 0, limit)
		if err != nil {
			cmd.Printf("Error fetching logs: %s\n", err)
			os.Exit(1)
		}

		for _, entry := range entries {
			cmd.Printf("%s [%s] %s\n", entry.LoggedAt.Format(time.RFC3339), entry.Priority, entry.Message)
		}
	},
}

var runsStopCmd = &cobra.Command{
	Use:   "stop [run_id]",
	Short: "Request cancellation of a run",
	Long: `A queued run stops immediately. A running run moves to terminating and
waits for its executor to confirm; cancellation is cooperative.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := mustUUIDArg(cmd, args[0])
		by, _ := cmd.Flags().GetString("by")

		pg, err := openStore(cmd)
		if err != nil {
			cmd.Printf("Error: %s\n", err)
			os.Exit(1)
		}
		defer pg.Close()

		svc := run.NewService(pg, nil, cliLogger())
		if err := svc.Stop(cmd.Context(), id, by); err != nil {
			cmd.Printf("Error stopping run: %s\n", err)
			os.Exit(1)
		}

		r, err := svc.Get(cmd.Context(), id)
		if err != nil {
			cmd.Printf("Error fetching run: %s\n", err)
			os.Exit(1)
		}
		cmd.Printf("Stop requested. Run is now %s.\n", r.State)
	},
}

func mustUUIDFlag(cmd *cobra.Command, name string) uuid.UUID {
	raw, _ := cmd.Flags().GetString(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		cmd.Printf("Error: invalid --%s %q\n", name, raw)
		os.Exit(1)
	}
	return id
}

func mustUUIDArg(cmd *cobra.Command, raw string) uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		cmd.Printf("Error: invalid run id %q\n", raw)
		os.Exit(1)
	}
	return id
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsTriggerCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsLogsCmd)
	runsCmd.AddCommand(runsStopCmd)

	runsTriggerCmd.Flags().String("workspace", "", "Workspace ID (required)")
	runsTriggerCmd.Flags().String("pipeline", "", "Pipeline ID (required)")
	runsTriggerCmd.Flags().Int("version", 1, "Pipeline version")
	runsTriggerCmd.Flags().String("by", "", "Principal triggering the run")
	runsTriggerCmd.MarkFlagRequired("workspace")
	runsTriggerCmd.MarkFlagRequired("pipeline")

	runsLogsCmd.Flags().IntP("limit", "l", 200, "Maximum log entries to print")

	runsStopCmd.Flags().String("by", "", "Principal requesting the stop")
}
