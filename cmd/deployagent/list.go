package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"deployagent/internal/history"
	"deployagent/internal/jobs"
)

var deploymentsCmd = &cobra.Command{
	Use:   "deployments PROJECT",
	Short: "List the deployments of a site",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeployments,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and run site jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list PROJECT",
	Short: "List triggered jobs with their schedules and last runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsList,
}

var jobsRunCmd = &cobra.Command{
	Use:   "run PROJECT JOB [ARGS...]",
	Short: "Run a triggered job and wait for it",
	Long: `Run a triggered job now and print its output.

The run is refused when the job is already running, whether started by the
agent's scheduler or by another command.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runJobsRun,
}

func init() {
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRunCmd)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func runDeployments(cmd *cobra.Command, args []string) error {
	site, err := openSite(args[0])
	if err != nil {
		return err
	}
	defer site.Close()

	dm := site.agent.Deployments()
	records, err := dm.Deployments()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No deployments")
		return nil
	}

	var active string
	if f := dm.Active(); f != nil {
		active = f.ID
	}
	fmt.Fprintf(out, "  %-12s %-10s %-19s %-16s %s\n", "ID", "STATUS", "RECEIVED", "DEPLOYER", "MESSAGE")
	for _, f := range records {
		marker := " "
		if f.ID == active {
			marker = "*"
		}
		id := f.ID
		if len(id) > 12 {
			id = id[:12]
		}
		fmt.Fprintf(out, "%s %-12s %-10s %-19s %-16s %s\n", marker, id, f.Status, formatTime(f.ReceivedTime), f.Deployer, f.Message)
	}
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	site, err := openSite(args[0])
	if err != nil {
		return err
	}
	defer site.Close()

	list, err := site.agent.Jobs().ListJobs()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No triggered jobs")
		return nil
	}

	fmt.Fprintf(out, "%-20s %-20s %-10s %s\n", "JOB", "SCHEDULE", "LAST", "STARTED")
	for _, job := range list {
		schedule := job.Settings.Schedule
		if schedule == "" {
			schedule = "-"
		}
		last, started := "-", "-"
		run, err := site.agent.Jobs().LatestRun(cmd.Context(), job.Name)
		if err != nil {
			return err
		}
		if run != nil {
			last, started = run.Status, formatTime(run.StartedAt)
		}
		fmt.Fprintf(out, "%-20s %-20s %-10s %s\n", job.Name, schedule, last, started)
	}
	return nil
}

func runJobsRun(cmd *cobra.Command, args []string) error {
	site, err := openSite(args[0])
	if err != nil {
		return err
	}
	defer site.Close()

	jm := site.agent.Jobs()
	name := args[1]
	id, err := jm.InvokeTriggeredJob(cmd.Context(), name, args[2:], jobs.TriggerManual)
	switch {
	case errors.Is(err, jobs.ErrConflict):
		return fmt.Errorf("job %s is already running", name)
	case err != nil:
		return err
	}
	jm.Wait()

	runs, err := jm.Runs(context.Background(), name, 1)
	if err != nil {
		return err
	}
	if len(runs) == 0 || runs[0].ID != id {
		return fmt.Errorf("run %s of %s was not recorded", id, name)
	}
	run := runs[0]

	out := cmd.OutOrStdout()
	fmt.Fprint(out, run.Output)
	if run.Status != history.StatusSuccess {
		reason := run.Status
		if run.ErrorMessage != nil {
			reason = *run.ErrorMessage
		}
		return fmt.Errorf("job %s failed: %s", name, reason)
	}
	return nil
}
