package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// pollInterval — период опроса статуса в режиме --wait.
const pollInterval = 2 * time.Second

// NewSubmitCmd создаёт команду запуска пайплайна.
func NewSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var wkt string
	var bbox string
	var tide bool
	var ari int
	var stormHours int
	var idempotencyKey string
	var wait bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a flood pipeline for an area",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := SubmitRequest{
				WKT: wkt,
				Options: OptionsResponse{
					Tide:       tide,
					ARI:        ari,
					StormHours: stormHours,
				},
			}
			if bbox != "" {
				box, err := parseBBox(bbox)
				if err != nil {
					return err
				}
				req.BBox = box
			}

			p, err := client.SubmitPipeline(req, idempotencyKey)
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Pipeline submitted: %s", p.ID))

			if wait {
				p, err = waitTerminal(cmd, client, p.ID)
				if err != nil {
					return err
				}
				out.Success(fmt.Sprintf("Pipeline finished: %s", p.State))
			}

			printPipelines(out, *p)
			if p.State == "FAILURE" {
				return fmt.Errorf("%s: %s", p.FailedKind, p.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&wkt, "wkt", "", "Area polygon in WKT")
	cmd.Flags().StringVar(&bbox, "bbox", "", "Area bounding box as lat1,lng1,lat2,lng2")
	cmd.Flags().BoolVar(&tide, "tide", false, "Include tidal boundary generation")
	cmd.Flags().IntVar(&ari, "ari", 0, "Rainfall average recurrence interval in years (default 100)")
	cmd.Flags().IntVar(&stormHours, "storm-hours", 0, "Design storm duration in hours (default 24)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key for safe resubmission")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll status until the pipeline finishes")

	return cmd
}

// NewStatusCmd создаёт команду постадийного статуса.
func NewStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show pipeline status with per-stage detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			status, err := client.GetStatus(args[0])
			if err != nil {
				return err
			}

			headers := []string{"STAGE", "KIND", "STATE", "ATTEMPT", "ERROR"}
			var rows [][]string
			for _, stage := range status.Stages {
				if len(stage.Members) == 0 {
					rows = append(rows, []string{strconv.Itoa(stage.Stage), "-", stage.State, "", ""})
					continue
				}
				for _, m := range stage.Members {
					rows = append(rows, []string{
						strconv.Itoa(stage.Stage), m.Kind, m.State, strconv.Itoa(m.Attempt), m.Error,
					})
				}
			}

			out.Success(fmt.Sprintf("Pipeline %s: %s", status.Pipeline.ID, status.Pipeline.State))
			out.Print(headers, rows, status)
			return nil
		},
	}
}

// NewListCmd создаёт команду списка пайплайнов.
func NewListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var state string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			pipelines, err := client.ListPipelines(ListOpts{State: state, Limit: limit})
			if err != nil {
				return err
			}
			printPipelines(out, pipelines...)
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by state (PENDING, RUNNING, SUCCESS, FAILURE, CANCELLED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

// NewCancelCmd создаёт команду отмены пайплайна.
func NewCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a running pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			p, err := client.CancelPipeline(args[0])
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Pipeline cancelled: %s", p.ID))
			return nil
		},
	}
}

// NewDepthCmd создаёт команду запроса глубин в точке.
func NewDepthCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var lat float64
	var lng float64

	cmd := &cobra.Command{
		Use:   "depth ID",
		Short: "Show the depth time series nearest to a point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			depth, err := client.GetDepth(args[0], lat, lng)
			if err != nil {
				return err
			}

			headers := []string{"TIME_S", "DEPTH_M"}
			rows := make([][]string, len(depth.Times))
			for i := range depth.Times {
				rows[i] = []string{
					strconv.FormatFloat(depth.Times[i], 'f', -1, 64),
					strconv.FormatFloat(depth.Depths[i], 'f', 3, 64),
				}
			}

			out.Success(fmt.Sprintf("Max depth: %.3f m", depth.MaxDepth))
			out.Print(headers, rows, depth)
			return nil
		},
	}

	cmd.Flags().Float64Var(&lat, "lat", 0, "Latitude of the query point")
	cmd.Flags().Float64Var(&lng, "lng", 0, "Longitude of the query point")
	cmd.MarkFlagRequired("lat")
	cmd.MarkFlagRequired("lng")

	return cmd
}

// waitTerminal опрашивает статус до терминального состояния.
func waitTerminal(cmd *cobra.Command, client *Client, id string) (*PipelineResponse, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-ticker.C:
		}

		status, err := client.GetStatus(id)
		if err != nil {
			return nil, err
		}
		if status.Pipeline.IsTerminal() {
			return &status.Pipeline, nil
		}
	}
}

// parseBBox разбирает рамку в формате lat1,lng1,lat2,lng2.
func parseBBox(s string) (*BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid bbox %q, expected lat1,lng1,lat2,lng2", s)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox coordinate %q: %w", p, err)
		}
		vals[i] = v
	}
	return &BBox{Lat1: vals[0], Lng1: vals[1], Lat2: vals[2], Lng2: vals[3]}, nil
}

// printPipelines выводит пайплайны таблицей или JSON.
func printPipelines(out *Output, pipelines ...PipelineResponse) {
	headers := []string{"ID", "STATE", "STAGE", "TIDE", "ARI", "ERROR", "CREATED"}
	rows := make([][]string, len(pipelines))
	for i, p := range pipelines {
		rows[i] = []string{
			p.ID,
			p.State,
			strconv.Itoa(p.CurrentStage),
			strconv.FormatBool(p.Options.Tide),
			strconv.Itoa(p.Options.ARI),
			p.Error,
			p.CreatedAt,
		}
	}
	var jsonData any = pipelines
	if len(pipelines) == 1 {
		jsonData = pipelines[0]
	}
	out.Print(headers, rows, jsonData)
}
