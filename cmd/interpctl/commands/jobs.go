package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohans/interpx/interp"
)

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Args:  cobra.ExactArgs(1),
		Short: "Print the current status of a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			job, err := client.JobStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		},
	}
}

func newWatchCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "watch JOB_ID",
		Args:  cobra.ExactArgs(1),
		Short: "Follow an existing job until it finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			job, err := client.JobStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s: %s\n", job.ID, job.Status)
			return a.follow(cmd, client, job, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "download the result to this path when done")
	return cmd
}

func newDownloadCommand(a *app) *cobra.Command {
	var (
		output string
		frames bool
	)
	cmd := &cobra.Command{
		Use:   "download JOB_ID",
		Args:  cobra.ExactArgs(1),
		Short: "Download the result of a finished job",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			job, err := client.JobStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			locator, ok := client.DownloadURL(job)
			path := job.ID + ".mp4"
			if frames {
				locator, ok = client.FramesArchiveURL(job)
				path = job.ID + "_frames.zip"
			}
			if !ok {
				return fmt.Errorf("job %s is %s, nothing to download", job.ID, job.Status)
			}
			if output != "" {
				path = output
			}
			return download(cmd, client, locator, path)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination path")
	cmd.Flags().BoolVar(&frames, "frames", false, "download the intermediate frames archive")
	return cmd
}

func newJournalCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "journal JOB_ID",
		Args:  cobra.ExactArgs(1),
		Short: "Show the journalled lifecycle of a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			rec, err := store.GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRecord(cmd, rec)
			return nil
		},
	}
}

func printRecord(cmd *cobra.Command, rec *interp.JobRecord) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:       %s\n", rec.ID)
	fmt.Fprintf(out, "kind:     %s\n", rec.Kind)
	fmt.Fprintf(out, "status:   %s\n", rec.Status)
	fmt.Fprintf(out, "polls:    %d\n", rec.Polls)
	fmt.Fprintf(out, "created:  %s\n", rec.CreatedAt.Format(time.RFC3339))
	optional := []struct {
		label string
		value *string
	}{
		{"error:   ", rec.ErrorMsg},
		{"output:  ", rec.OutputURL},
		{"frames:  ", rec.FramesURL},
		{"poll err:", rec.LastPollError},
	}
	for _, o := range optional {
		if o.value != nil {
			fmt.Fprintf(out, "%s %s\n", o.label, *o.value)
		}
	}
	if rec.FinishedAt != nil {
		fmt.Fprintf(out, "finished: %s\n", rec.FinishedAt.Format(time.RFC3339))
	}
}
