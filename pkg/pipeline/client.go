package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sf7293/heartbeat-agent/internal/domain"
	"github.com/sf7293/heartbeat-agent/internal/errval"
)

const (
	executePath = "/execute"
	proposePath = "/propose"

	defaultRetries   = 3
	defaultRetryWait = 2 * time.Second
)

// Client talks to the external execution and reflection pipeline over HTTP.
// It implements both domain.Executor and domain.Proposer.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retries    uint64
	retryWait  time.Duration
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithRetry sets how many times a transport error or 5xx response is retried.
func WithRetry(retries uint64, wait time.Duration) Option {
	return func(c *Client) {
		c.retries = retries
		c.retryWait = wait
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient bounds every request by timeout.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retries:    defaultRetries,
		retryWait:  defaultRetryWait,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type executeRequest struct {
	TaskID      int64           `json:"task_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	TaskType    domain.TaskType `json:"task_type"`
	Tags        []string        `json:"tags"`
	Attempt     int             `json:"attempt"`
}

type executeResponse struct {
	Success    bool               `json:"success"`
	Summary    string             `json:"summary"`
	FollowUps  []domain.TaskDraft `json:"follow_ups"`
	SkillCalls []string           `json:"skill_calls"`
}

type proposeResponse struct {
	Tasks []domain.TaskDraft `json:"tasks"`
}

// Execute sends the task to POST /execute. Skill calls listed in the response are reported in order.
func (c *Client) Execute(ctx context.Context, task *domain.Task, report domain.SkillReporter) (*domain.ExecutionResult, error) {
	var resp executeResponse
	err := c.post(ctx, executePath, executeRequest{
		TaskID:      task.ID,
		Title:       task.Title,
		Description: task.Description,
		TaskType:    task.Type,
		Tags:        task.Tags,
		Attempt:     task.Attempts,
	}, &resp)
	if err != nil {
		return nil, err
	}

	for _, call := range resp.SkillCalls {
		report(call)
	}

	return &domain.ExecutionResult{
		Success:   resp.Success,
		Summary:   resp.Summary,
		FollowUps: resp.FollowUps,
	}, nil
}

// ProposeTasks sends the reflection context to POST /propose.
func (c *Client) ProposeTasks(ctx context.Context, reflection domain.ReflectionContext) ([]domain.TaskDraft, error) {
	var resp proposeResponse
	if err := c.post(ctx, proposePath, reflection, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("pipeline request failed: status %d, body: %s", e.code, e.body)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryWait), c.retries), ctx)
	err = backoff.Retry(func() error {
		err := c.do(ctx, path, payload, out)
		if err == nil {
			return nil
		}

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return err
		}
		var se *statusError
		if errors.As(err, &se) && se.code < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		c.logger.WarnContext(ctx, "pipeline request failed.. retrying...", "path", path, "error", err)
		return err
	}, b)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", errval.ErrExecutionFailure, err.Error())
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(bodyBytes))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decoding pipeline response: %w", err))
	}
	return nil
}

// Disabled stands in for the pipeline when none is configured. Every call fails.
type Disabled struct{}

var errDisabled = fmt.Errorf("%w: no execution pipeline configured", errval.ErrExecutionFailure)

func (Disabled) Execute(context.Context, *domain.Task, domain.SkillReporter) (*domain.ExecutionResult, error) {
	return nil, errDisabled
}

func (Disabled) ProposeTasks(context.Context, domain.ReflectionContext) ([]domain.TaskDraft, error) {
	return nil, errDisabled
}
