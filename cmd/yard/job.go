package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/stylelicense/jobyard/internal/dispatch"
	"github.com/stylelicense/jobyard/internal/jobs"
	"github.com/stylelicense/jobyard/internal/models"
)

const timeLayout = "2006-01-02 15:04:05"

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Job commands",
	}

	cmd.AddCommand(newJobStartCmd())
	cmd.AddCommand(newJobGetCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobFailCmd())
	return cmd
}

func newJobStartCmd() *cobra.Command {
	var (
		configPath  string
		req         dispatch.StartRequest
		aspectRatio string
		payload     string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Reserve tokens and dispatch a job",
		Long: "Reserves the job's cost from the owner's balance, records it as queued and publishes it. " +
			"Without --cost, training uses costs.training and generation prices by --aspect-ratio.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload is not valid JSON")
				}
				req.Payload = json.RawMessage(payload)
			}
			return runJobStart(cmd, configPath, req, aspectRatio)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to yard config file")
	cmd.Flags().StringVar(&req.Kind, "kind", "", "job kind: training or generation (required)")
	cmd.Flags().StringVar(&req.OwnerID, "owner", "", "owning account ID (required)")
	cmd.Flags().Int64Var(&req.Cost, "cost", 0, "token cost (default from the price table)")
	cmd.Flags().StringVar(&aspectRatio, "aspect-ratio", "1:1", "generation aspect ratio used for pricing")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload forwarded to the worker")
	cmd.MarkFlagRequired("kind")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func runJobStart(cmd *cobra.Command, configPath string, req dispatch.StartRequest, aspectRatio string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if req.Cost == 0 {
		switch req.Kind {
		case models.KindTraining:
			req.Cost = a.cfg.Costs.Training
		case models.KindGeneration:
			if req.Cost, err = dispatch.GenerationCost(aspectRatio); err != nil {
				return err
			}
		}
	}

	id, err := a.dispatcher.StartJob(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Started job %s (%s, %s tokens)\n", id, req.Kind, formatTokenCount(req.Cost))
	return nil
}

func newJobGetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a job's status and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobGet(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to yard config file")
	return cmd
}

func runJobGet(cmd *cobra.Command, configPath, id string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	j, err := jobs.New(gormDB, jobs.Options{}).Get(cmd.Context(), id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:          %s\n", j.ID)
	fmt.Fprintf(out, "Kind:        %s\n", j.Kind)
	fmt.Fprintf(out, "Owner:       %s\n", j.OwnerID)
	fmt.Fprintf(out, "Cost:        %s\n", formatTokenCount(j.Cost))
	fmt.Fprintf(out, "Status:      %s\n", j.Status)
	fmt.Fprintf(out, "Attempt:     %d of %d\n", j.AttemptCount+1, j.MaxAttempts)
	if j.Status == models.StatusProcessing && j.Percent != nil {
		line := fmt.Sprintf("%d%%", *j.Percent)
		if j.CurrentStep != nil && j.TotalSteps != nil {
			line += fmt.Sprintf(" (step %d/%d)", *j.CurrentStep, *j.TotalSteps)
		}
		if j.ETASeconds != nil {
			line += fmt.Sprintf(", eta %ds", *j.ETASeconds)
		}
		fmt.Fprintf(out, "Progress:    %s\n", line)
	}
	if j.LastErrorKind != "" {
		fmt.Fprintf(out, "Last error:  %s (%s): %s\n", j.LastErrorKind, j.LastErrorClass, j.LastErrorMessage)
	}
	if j.PreviousErrorKind != "" {
		fmt.Fprintf(out, "Prev error:  %s: %s\n", j.PreviousErrorKind, j.PreviousErrorMessage)
	}
	if j.NextAttemptAt != nil && j.Status == models.StatusRetrying {
		fmt.Fprintf(out, "Next try:    %s\n", j.NextAttemptAt.Format(timeLayout))
	}
	if j.ResultRef != "" {
		fmt.Fprintf(out, "Result:      %s\n", j.ResultRef)
	}
	fmt.Fprintf(out, "Created:     %s\n", j.CreatedAt.Format(timeLayout))
	if j.StartedAt != nil {
		fmt.Fprintf(out, "Started:     %s\n", j.StartedAt.Format(timeLayout))
	}
	if j.FinishedAt != nil {
		fmt.Fprintf(out, "Finished:    %s\n", j.FinishedAt.Format(timeLayout))
	}
	return nil
}

func newJobListCmd() *cobra.Command {
	var (
		configPath string
		filters    jobs.Filters
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Long:  "Lists jobs, newest first, with optional filters. Output is formatted as a table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobList(cmd, configPath, filters)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to yard config file")
	cmd.Flags().StringVar(&filters.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&filters.Kind, "kind", "", "filter by kind")
	cmd.Flags().StringVar(&filters.OwnerID, "owner", "", "filter by owner")
	cmd.Flags().IntVar(&filters.Limit, "limit", 50, "maximum rows")
	return cmd
}

func runJobList(cmd *cobra.Command, configPath string, filters jobs.Filters) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	list, err := jobs.New(gormDB, jobs.Options{}).List(cmd.Context(), filters)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tOWNER\tSTATUS\tATTEMPT\tCOST\tUPDATED")
	for _, j := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			j.ID, j.Kind, j.OwnerID, j.Status, j.AttemptCount+1, j.MaxAttempts,
			formatTokenCount(j.Cost), j.UpdatedAt.Format(timeLayout))
	}
	w.Flush()
	return nil
}

func newJobFailCmd() *cobra.Command {
	var (
		configPath string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Fail a stuck job and refund its cost",
		Long: "Moves a queued, processing or retrying job to failed and refunds its reservation in one transaction. " +
			"Later reports from a worker still running the job are rejected as stale.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobFail(cmd, configPath, args[0], reason)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to yard config file")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded as the job's last error")
	return cmd
}

func runJobFail(cmd *cobra.Command, configPath, id, reason string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	j, err := a.supervisor.ForceFail(cmd.Context(), id, reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Failed job %s (refunded %s tokens)\n", j.ID, formatTokenCount(j.Cost))
	return nil
}
