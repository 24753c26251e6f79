package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/client"
)

var (
	submitFile      string
	submitBatchSize int
)

var submitCmd = &cobra.Command{
	Use:   "submit <create|update|delete>",
	Short: "Submit a bulk mutation from a JSON array of entities",
	Long:  "Reads a JSON array of entity objects from --file (or stdin) and submits it as one bulk operation.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		var err error
		if submitFile != "" {
			raw, err = os.ReadFile(submitFile)
		} else {
			raw, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return err
		}
		var entities []json.RawMessage
		if err := json.Unmarshal(raw, &entities); err != nil {
			return fmt.Errorf("input must be a JSON array of entity objects: %w", err)
		}

		body := map[string]interface{}{"entities": entities}
		if submitBatchSize > 0 {
			body["batch_size"] = submitBatchSize
		}
		data, status, err := apiRequest("POST", "/api/v1/bulk-"+args[0], body)
		if err != nil {
			return err
		}
		exitOnError(data, status)

		if outputJSON {
			printJSON(data)
			return nil
		}
		var resp struct {
			OperationID string `json:"operation_id"`
			Message     string `json:"message"`
		}
		json.Unmarshal(data, &resp)
		fmt.Printf("%s\noperation: %s\n", resp.Message, resp.OperationID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <operation-id>",
	Short: "Show operation progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("GET", "/api/v1/status/"+args[0], nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)

		if outputJSON {
			printJSON(data)
			return nil
		}
		var s struct {
			OperationID      string `json:"operation_id"`
			Status           string `json:"status"`
			TotalBatches     int    `json:"total_batches"`
			ProcessedBatches int    `json:"processed_batches"`
			FailedBatches    int    `json:"failed_batches"`
		}
		json.Unmarshal(data, &s)
		fmt.Printf("%s  %s  %d/%d processed, %d failed\n",
			s.OperationID, s.Status, s.ProcessedBatches, s.TotalBatches, s.FailedBatches)
		return nil
	},
}

var resultCmd = &cobra.Command{
	Use:   "result <operation-id>",
	Short: "Show operation result including batch errors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("GET", "/api/v1/result/"+args[0], nil)
		if err != nil {
			return err
		}
		exitOnError(data, status)

		if outputJSON {
			printJSON(data)
			return nil
		}
		var res struct {
			OperationID      string   `json:"operation_id"`
			Status           string   `json:"status"`
			TotalBatches     int      `json:"total_batches"`
			ProcessedBatches int      `json:"processed_batches"`
			FailedBatches    int      `json:"failed_batches"`
			Errors           []string `json:"errors"`
		}
		json.Unmarshal(data, &res)
		fmt.Printf("%s  %s  %d/%d processed, %d failed\n",
			res.OperationID, res.Status, res.ProcessedBatches, res.TotalBatches, res.FailedBatches)
		for _, e := range res.Errors {
			fmt.Printf("  %s\n", e)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <operation-id>...",
	Short: "Stream live progress for one or more operations",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c := client.New(serverURL)
		c.Token = authToken
		snaps, err := c.Watch(ctx, args...)
		if err != nil {
			return err
		}
		for snap := range snaps {
			if outputJSON {
				b, _ := json.Marshal(snap)
				fmt.Println(string(b))
			} else {
				fmt.Printf("%s  %s  %d/%d processed, %d failed\n",
					snap.OperationID, snap.Status,
					snap.ProcessedBatches, snap.TotalBatches, snap.FailedBatches)
			}
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitFile, "file", "", "Path to a JSON array of entities (default: stdin)")
	submitCmd.Flags().IntVar(&submitBatchSize, "batch-size", 0, "Entities per batch (default: server setting)")
	addClientFlags(submitCmd, statusCmd, resultCmd, watchCmd)
	rootCmd.AddCommand(submitCmd, statusCmd, resultCmd, watchCmd)
}
