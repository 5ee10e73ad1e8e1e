package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect queue jobs",
}

var jobsAbandonedCmd = &cobra.Command{
	Use:   "abandoned",
	Short: "List jobs that exhausted their retry budget",
	Long: `Abandoned jobs are never deleted and never claimed again. They stay in
the queue table for inspection; re-running one requires a fresh enqueue.`,
	Run: func(cmd *cobra.Command, args []string) {
		queueName, _ := cmd.Flags().GetString("queue")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		pg, err := openStore(cmd)
		if err != nil {
			cmd.Printf("Error: %s\n", err)
			os.Exit(1)
		}
		defer pg.Close()

		jobs, err := pg.ListAbandonedJobs(cmd.Context(), queueName, limit, offset)
		if err != nil {
			cmd.Printf("Error fetching abandoned jobs: %s\n", err)
			os.Exit(1)
		}

		if len(jobs) == 0 {
			cmd.Println("No abandoned jobs found.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "JOB ID\tTASK\tRETRIES\tLAST FAILED\tERROR")
		for _, j := range jobs {
			errMsg := ""
			if j.LastError != nil {
				errMsg = *j.LastError
				if len(errMsg) > 50 {
					errMsg = errMsg[:47] + "..."
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
				j.ID, j.Task, j.RetryCount, j.MaxRetries,
				j.UpdatedAt.Format(time.RFC3339), errMsg)
		}
		w.Flush()
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show [job_id]",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := uuid.Parse(args[0])
		if err != nil {
			cmd.Printf("Error: invalid job id %q\n", args[0])
			os.Exit(1)
		}

		pg, err := openStore(cmd)
		if err != nil {
			cmd.Printf("Error: %s\n", err)
			os.Exit(1)
		}
		defer pg.Close()

		job, err := pg.GetJobByID(cmd.Context(), id)
		if err != nil {
			cmd.Printf("Error fetching job: %s\n", err)
			os.Exit(1)
		}

		cmd.Printf("ID:            %s\n", job.ID)
		cmd.Printf("Queue:         %s\n", job.Queue)
		cmd.Printf("Task:          %s\n", job.Task)
		cmd.Printf("Status:        %s\n", job.Status)
		cmd.Printf("Retries:       %d/%d\n", job.RetryCount, job.MaxRetries)
		cmd.Printf("Scheduled for: %s\n", job.ScheduledFor.Format(time.RFC3339))
		cmd.Printf("Args:          %s\n", string(job.Args))
		if job.LastError != nil {
			cmd.Printf("Last error:    %s\n", *job.LastError)
		}
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsAbandonedCmd)
	jobsCmd.AddCommand(jobsShowCmd)

	jobsAbandonedCmd.Flags().StringP("queue", "q", "metadata", "Queue to inspect")
	jobsAbandonedCmd.Flags().IntP("limit", "l", 20, "Number of jobs to list")
	jobsAbandonedCmd.Flags().IntP("offset", "o", 0, "Offset for pagination")
}
