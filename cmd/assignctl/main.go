package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/avoronova/coursecraft/pkg/editor"
	"github.com/avoronova/coursecraft/pkg/jobstream"
)

var (
	serverURL string
	authToken string
	count     int
	qType     string
)

func main() {
	root := &cobra.Command{
		Use:   "assignctl",
		Short: "coursecraft authoring CLI",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "API server base URL")
	root.PersistentFlags().StringVar(&authToken, "token", "", "bearer access token")

	generateCmd := &cobra.Command{
		Use:   "generate <assignment-id>",
		Short: "Generate questions for an assignment and follow progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd.Context(), args[0], "generate-questions")
		},
	}
	generateCmd.Flags().IntVar(&count, "count", 5, "number of questions to generate")
	generateCmd.Flags().StringVar(&qType, "type", "", "question type (open_ended, multiple_choice, short_answer)")

	publishCmd := &cobra.Command{
		Use:   "publish <assignment-id>",
		Short: "Publish an assignment with regenerated content and follow progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd.Context(), args[0], "publish")
		},
	}
	publishCmd.Flags().IntVar(&count, "count", 5, "number of questions to generate")

	root.AddCommand(generateCmd, publishCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runJob(ctx context.Context, assignmentID, action string) error {
	body, _ := json.Marshal(map[string]any{
		"count":         count,
		"question_type": qType,
	})
	url := fmt.Sprintf("%s/v1/assignments/%s/%s", serverURL, assignmentID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("job submission failed: HTTP %d", resp.StatusCode)
	}

	var submitted struct {
		JobID   string `json:"job_id"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return fmt.Errorf("bad submission response: %w", err)
	}
	fmt.Printf("job %s: %s\n", submitted.JobID, submitted.Message)

	state := editor.NewState(assignmentID, nil)
	state.BeginJob(time.Now())

	outcome, err := jobstream.Subscribe(ctx, serverURL, submitted.JobID, jobstream.Options{
		Token: authToken,
		OnProgress: func(pct int, msg string) {
			fmt.Printf("\r[%3d%%] %-60s", pct, msg)
		},
		OnResult: func(result json.RawMessage) {
			if mergeErr := state.MergeStreamedResult(result); mergeErr != nil {
				fmt.Fprintf(os.Stderr, "\nskipping payload: %v\n", mergeErr)
			}
		},
	})
	fmt.Println()
	if err != nil {
		return fmt.Errorf("stream failed: %w", err)
	}
	if !outcome.Success {
		return fmt.Errorf("job failed: %s", outcome.Progress)
	}

	fmt.Printf("generated %d questions:\n", len(state.Questions))
	for _, q := range state.Questions {
		fmt.Printf("%3d. [%s, %d pts] %s\n", q.Position, q.Type, q.Points, q.Prompt)
		for _, c := range q.Rubric {
			fmt.Printf("       - %s (%d pts)\n", c.Description, c.Points)
		}
	}
	return nil
}
