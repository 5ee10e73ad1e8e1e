package cmd

import (
	"encoding/json"
	"os"
	"time"

	"github.com/BLSQ/openhexa-app-sub000/internal/store"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a background job",
	Long: `Insert a new job on a queue. The job becomes claimable immediately
unless --delay is given. Workers polling the queue must have a handler
registered for the task name.`,
	Run: func(cmd *cobra.Command, args []string) {
		queueName, _ := cmd.Flags().GetString("queue")
		task, _ := cmd.Flags().GetString("task")
		rawArgs, _ := cmd.Flags().GetString("args")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		delay, _ := cmd.Flags().GetDuration("delay")

		var payload json.RawMessage
		if rawArgs == "" {
			payload = json.RawMessage("{}")
		} else {
			if !json.Valid([]byte(rawArgs)) {
				cmd.Printf("Error: --args is not valid JSON\n")
				os.Exit(1)
			}
			payload = json.RawMessage(rawArgs)
		}

		pg, err := openStore(cmd)
		if err != nil {
			cmd.Printf("Error: %s\n", err)
			os.Exit(1)
		}
		defer pg.Close()

		job := &store.Job{
			ID:           uuid.New(),
			Queue:        queueName,
			Task:         task,
			Args:         payload,
			Status:       store.JobStatusNew,
			MaxRetries:   maxRetries,
			ScheduledFor: time.Now().Add(delay),
		}

		if err := pg.CreateJob(cmd.Context(), job); err != nil {
			cmd.Printf("Error enqueuing job: %s\n", err)
			os.Exit(1)
		}

		cmd.Printf("Job enqueued.\n")
		cmd.Printf("  ID:    %s\n", job.ID)
		cmd.Printf("  Queue: %s\n", job.Queue)
		cmd.Printf("  Task:  %s\n", job.Task)
	},
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringP("queue", "q", "metadata", "Queue to enqueue on")
	enqueueCmd.Flags().StringP("task", "t", "", "Task name to invoke (required)")
	enqueueCmd.Flags().StringP("args", "a", "", "Job arguments as a JSON object")
	enqueueCmd.Flags().Int("max-retries", 3, "Retry budget before the job is abandoned")
	enqueueCmd.Flags().Duration("delay", 0, "Delay before the job becomes claimable")
	enqueueCmd.MarkFlagRequired("task")
}
