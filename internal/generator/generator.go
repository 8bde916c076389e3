package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/avoronova/coursecraft/internal/metrics"
	"github.com/avoronova/coursecraft/internal/models"
)

// ProgressFunc receives generation progress. It may be called from
// concurrent goroutines; callers must pass a goroutine-safe function.
type ProgressFunc func(pct int, msg string)

// Request describes one generation run for an assignment.
type Request struct {
	AssignmentID uuid.UUID `json:"assignment_id"`
	Title        string    `json:"title"`
	Subject      string    `json:"subject,omitempty"`
	Description  string    `json:"description,omitempty"`
	Count        int       `json:"count"`
	QuestionType string    `json:"question_type,omitempty"`
	Points       int       `json:"points,omitempty"`
	Guidelines   string    `json:"guidelines,omitempty"`
}

type Client struct {
	openAI  *openai.Client
	model   string
	workers int
}

func NewClient(apiKey, model string, workers int) *Client {
	if model == "" {
		model = openai.GPT4o
	}
	if workers < 1 {
		workers = 1
	}
	return &Client{
		openAI:  openai.NewClient(apiKey),
		model:   model,
		workers: workers,
	}
}

const systemPrompt = "You are an experienced instructor authoring assessment content. " +
	"Given an assignment topic you produce one exam question with a grading rubric. " +
	"Respond with a single JSON object: " +
	`{"prompt": string, "type": string, "points": int, "choices": [string] (multiple_choice only), ` +
	`"rubric": [{"description": string, "points": int}]}. ` +
	"Rubric points must sum to the question points. No prose outside the JSON."

// questionPayload mirrors the JSON shape the model is instructed to return.
type questionPayload struct {
	Prompt  string   `json:"prompt"`
	Type    string   `json:"type"`
	Points  int      `json:"points"`
	Choices []string `json:"choices,omitempty"`
	Rubric  []struct {
		Description string `json:"description"`
		Points      int    `json:"points"`
	} `json:"rubric"`
}

// Generate produces req.Count questions with rubrics. Questions are
// generated concurrently with at most c.workers calls in flight; onProgress
// fires once per finished question so a watcher sees "n of m" advance.
func (c *Client) Generate(ctx context.Context, req Request, onProgress ProgressFunc) ([]models.Question, error) {
	if req.Count < 1 {
		return nil, fmt.Errorf("question count must be positive, got %d", req.Count)
	}
	if req.QuestionType == "" {
		req.QuestionType = models.QuestionOpenEnded
	}
	if req.Points <= 0 {
		req.Points = 10
	}

	onProgress(5, "Preparing generation prompts")

	questions := make([]models.Question, req.Count)
	var completed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for i := 0; i < req.Count; i++ {
		g.Go(func() error {
			q, err := c.generateOne(gctx, req, i)
			if err != nil {
				return fmt.Errorf("question %d: %w", i+1, err)
			}
			questions[i] = *q

			done := completed.Add(1)
			pct := 5 + int(done)*90/req.Count
			onProgress(pct, fmt.Sprintf("Generated question %d of %d", done, req.Count))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	onProgress(97, "Validating generated questions")
	for i := range questions {
		if questions[i].Prompt == "" {
			return nil, fmt.Errorf("question %d: model returned empty prompt", i+1)
		}
	}

	return questions, nil
}

func (c *Client) generateOne(ctx context.Context, req Request, position int) (*models.Question, error) {
	userPrompt := fmt.Sprintf("Assignment: %s", req.Title)
	if req.Subject != "" {
		userPrompt += fmt.Sprintf("\nSubject: %s", req.Subject)
	}
	if req.Description != "" {
		userPrompt += fmt.Sprintf("\nDescription: %s", req.Description)
	}
	if req.Guidelines != "" {
		userPrompt += fmt.Sprintf("\nGuidelines: %s", req.Guidelines)
	}
	userPrompt += fmt.Sprintf(
		"\nWrite question %d of %d. Question type: %s. Points: %d.",
		position+1, req.Count, req.QuestionType, req.Points)

	start := time.Now()
	resp, err := c.openAI.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		MaxTokens: 1200,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	metrics.ObserveGeneration(c.model, time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from OpenAI")
	}

	var payload questionPayload
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &payload); err != nil {
		return nil, fmt.Errorf("unparseable model output: %w", err)
	}

	now := time.Now()
	q := &models.Question{
		ID:           uuid.New(),
		AssignmentID: req.AssignmentID,
		Position:     position + 1,
		Prompt:       payload.Prompt,
		Type:         payload.Type,
		Points:       payload.Points,
		Choices:      payload.Choices,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if q.Type == "" {
		q.Type = req.QuestionType
	}
	if q.Points == 0 {
		q.Points = req.Points
	}
	for _, crit := range payload.Rubric {
		q.Rubric = append(q.Rubric, models.RubricCriterion{
			ID:          uuid.New(),
			QuestionID:  q.ID,
			Description: crit.Description,
			Points:      crit.Points,
		})
	}

	slog.Debug("question generated",
		"assignment_id", req.AssignmentID,
		"position", q.Position,
		"tokens_used", resp.Usage.TotalTokens,
		"rubric_criteria", len(q.Rubric))

	return q, nil
}
