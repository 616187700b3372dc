package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/jobsvc/display"
	"github.com/teranos/jobsvc/errors"
	"github.com/teranos/jobsvc/pulse/events"
	"github.com/teranos/jobsvc/pulse/job"
	"github.com/teranos/jobsvc/pulse/store"
	"github.com/teranos/jobsvc/sym"
)

// JobsCmd inspects jobs directly in the shared database. It never writes;
// changes go through the leader's management API.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Inspect jobs",
	Long: sym.Pulse + ` jobs — Inspect jobs in the shared database

Examples:
  jobsvc jobs ls                          # Active and recent jobs
  jobsvc jobs ls --status RETRY,ERROR     # Jobs that are failing
  jobsvc jobs get 7c1e...                 # Full record as JSON
  jobsvc jobs events 7c1e...              # Lifecycle history`,
}

var (
	jobsStatusFlag      string
	jobsCorrelationFlag string
	jobsLimitFlag       int
	eventsLimitFlag     int
)

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := store.Filter{CorrelationID: jobsCorrelationFlag, Limit: jobsLimitFlag}
		if jobsStatusFlag != "" {
			for _, name := range strings.Split(jobsStatusFlag, ",") {
				st, err := job.ParseStatus(name)
				if err != nil {
					return err
				}
				f.Statuses = append(f.Statuses, st)
			}
		}

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		jobs, err := store.NewSQLiteRepository(database).List(context.Background(), f)
		if err != nil {
			return errors.Wrap(err, "failed to list jobs")
		}
		if display.ShouldOutputJSON(cmd) {
			if jobs == nil {
				jobs = []job.Details{}
			}
			return display.OutputJSON(cmd.OutOrStdout(), jobs)
		}
		return renderJobs(cmd.OutOrStdout(), jobs)
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		d, err := store.NewSQLiteRepository(database).Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		return display.OutputJSON(cmd.OutOrStdout(), d)
	},
}

var jobsEventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Show the lifecycle history of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		history, err := events.NewLogStore(database).ListByJob(context.Background(), args[0], eventsLimitFlag)
		if err != nil {
			return errors.Wrap(err, "failed to read job history")
		}
		if display.ShouldOutputJSON(cmd) {
			if history == nil {
				history = []events.Lifecycle{}
			}
			return display.OutputJSON(cmd.OutOrStdout(), history)
		}
		return renderHistory(cmd.OutOrStdout(), history)
	},
}

func init() {
	jobsLsCmd.Flags().StringVar(&jobsStatusFlag, "status", "", "Comma-separated statuses (SCHEDULED, RETRY, EXECUTED, ERROR, CANCELED)")
	jobsLsCmd.Flags().StringVar(&jobsCorrelationFlag, "correlation", "", "Only jobs with this correlation id")
	jobsLsCmd.Flags().IntVar(&jobsLimitFlag, "limit", store.DefaultListLimit, "Maximum rows")
	jobsEventsCmd.Flags().IntVar(&eventsLimitFlag, "limit", events.DefaultHistoryLimit, "Maximum events")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsGetCmd)
	JobsCmd.AddCommand(jobsEventsCmd)
}

func renderJobs(w io.Writer, jobs []job.Details) error {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return nil
	}
	data := pterm.TableData{{"ID", "STATUS", "RECIPIENT", "NEXT FIRE", "FIRED", "RETRIES", "LAST UPDATE"}}
	for _, d := range jobs {
		next := "-"
		if !d.Deadline.IsZero() {
			next = d.Deadline.Local().Format(time.RFC3339)
		}
		data = append(data, []string{
			d.ID,
			string(d.Status),
			d.Recipient.Target(),
			next,
			fmt.Sprint(d.ExecutionCounter),
			fmt.Sprint(d.Retries),
			d.LastUpdate.Local().Format(time.RFC3339),
		})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render job table")
	}
	fmt.Fprintln(w, out)
	return nil
}

func renderHistory(w io.Writer, history []events.Lifecycle) error {
	if len(history) == 0 {
		fmt.Fprintln(w, "No events recorded")
		return nil
	}
	data := pterm.TableData{{"VERSION", "STATUS", "FIRED", "RETRIES", "REPLICA", "AT", "DETAIL"}}
	for _, ev := range history {
		detail := ev.ExceptionMessage
		if ev.Response != nil {
			detail = ev.Response.Code
		}
		data = append(data, []string{
			fmt.Sprint(ev.Version),
			string(ev.Status),
			fmt.Sprint(ev.ExecutionCounter),
			fmt.Sprint(ev.Retries),
			ev.ReplicaID,
			ev.Timestamp.Local().Format(time.RFC3339),
			detail,
		})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render history table")
	}
	fmt.Fprintln(w, out)
	return nil
}
