package main

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	domain "github.com/ahrav/scanflow/internal/domain/workflow"
)

// withEnv opens the workflow stack for the duration of fn.
func withEnv(fn func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		return fn(cmd, e, args)
	}
}

func parseID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid request id %q: %w", arg, err)
	}
	return id, nil
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <target-url>",
		Short: "Submit a new scan request",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			req, err := e.svc.CreateRequest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return e.render(newRequestView(req))
		}),
	}
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scan requests",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			var filter domain.ListFilter
			if s, _ := cmd.Flags().GetString("stage"); s != "" {
				stage, err := domain.ParseStage(s)
				if err != nil {
					return err
				}
				filter.Stage = &stage
			}
			filter.Limit, _ = cmd.Flags().GetInt("limit")

			reqs, err := e.svc.ListRequests(cmd.Context(), filter)
			if err != nil {
				return err
			}

			views := make([]requestView, 0, len(reqs))
			for _, r := range reqs {
				views = append(views, newRequestView(r))
			}
			return e.render(views)
		}),
	}

	cmd.Flags().String("stage", "", "Only list requests in this stage")
	cmd.Flags().Int("limit", 100, "Maximum number of requests")

	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show a request's stage and, once completed, its results",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			rep, err := e.svc.Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			return e.render(newStatusView(rep))
		}),
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <request-id>",
		Short: "Move a failed request back to PENDING",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			stage, err := e.svc.Retry(cmd.Context(), id)
			if err != nil {
				return err
			}
			return e.render(transitionView{ID: id.String(), Stage: stage.String()})
		}),
	}
}

func newFailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fail <request-id>",
		Short: "Force a request to FAILED regardless of its stage",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			res, err := e.svc.ForceFail(cmd.Context(), id)
			if err != nil {
				return err
			}
			return e.render(transitionView{
				ID:       id.String(),
				Previous: res.Previous.String(),
				Stage:    res.Current.String(),
				Changed:  res.Changed,
			})
		}),
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail requests stuck in a non-terminal stage",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			ids, err := e.svc.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			out := make([]string, 0, len(ids))
			for _, id := range ids {
				out = append(out, id.String())
			}
			return e.render(map[string][]string{"failed": out})
		}),
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [request-id]",
		Short: "Run the pipeline for one request, or for every eligible request",
		Args:  cobra.MaximumNArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				outcome, err := e.svc.Run(cmd.Context(), id)
				if err != nil {
					return err
				}
				return e.render(newRunView(outcome))
			}

			outcomes, err := e.svc.RunAll(cmd.Context())
			if err != nil {
				return err
			}
			views := make([]runView, 0, len(outcomes))
			for _, o := range outcomes {
				views = append(views, newRunView(o))
			}
			return e.render(views)
		}),
	}
}


func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <request-id> <payload-file>",
		Short: "Store a raw scan payload and run the pipeline, as the webhook does",
		Long:  "Reads the raw scan engine payload from payload-file, or from stdin when it is \"-\".",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			var payload []byte
			if args[1] == "-" {
				payload, err = io.ReadAll(cmd.InOrStdin())
			} else {
				payload, err = os.ReadFile(args[1])
			}
			if err != nil {
				return fmt.Errorf("reading payload: %w", err)
			}

			res, err := e.svc.Ingest(cmd.Context(), id, payload)
			if err != nil {
				return err
			}
			// Wait for the run Ingest started so the command reports the outcome.
			e.wait()

			rep, err := e.svc.Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			return e.render(ingestView{
				PayloadID:  res.PayloadID,
				RunStarted: res.RunStarted,
				Status:     newStatusView(rep),
			})
		}),
	}
}
