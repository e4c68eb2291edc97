package ussd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	defaultAPITimeout = 60 * time.Second
	// fetchAttempts bounds GetJob; waits between tries grow linearly.
	fetchAttempts  = 3
	fetchRetryStep = time.Second
)

// JobAPI is the remote job service.
type JobAPI interface {
	GetJob(ctx context.Context, jobID string) (Job, error)
	Complete(ctx context.Context, jobID string, outcome Outcome) error
	SendResponse(ctx context.Context, jobID string, outcome Outcome) error
}

var _ JobAPI = (*Client)(nil)

type Client struct {
	client    *resty.Client
	baseURL   string
	retryStep time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("job api url is required")
	}
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)

	return &Client{
		client:    client,
		baseURL:   baseURL,
		retryStep: fetchRetryStep,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

// GetJob fetches job detail, trying up to three times.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	endpoint := c.jobURL(jobID, "")
	try := 0

	return backoff.Retry(ctx, func() (Job, error) {
		try++
		var job Job
		resp, err := c.client.R().
			SetContext(ctx).
			SetResult(&job).
			Get(endpoint)
		if err != nil {
			return Job{}, fmt.Errorf("fetch job %s: %w", jobID, err)
		}
		if resp.IsError() {
			err := fmt.Errorf("fetch job %s: HTTP %d", jobID, resp.StatusCode())
			if resp.StatusCode() < http.StatusInternalServerError {
				return Job{}, backoff.Permanent(err)
			}
			return Job{}, err
		}
		if job.ID == "" {
			job.ID = jobID
		}

		c.logger.Debug("job fetched",
			zap.String("jobId", jobID),
			zap.Int("try", try),
			zap.String("operator", job.Operator),
		)
		return job, nil
	},
		backoff.WithBackOff(&linearBackOff{step: c.retryStep}),
		backoff.WithMaxTries(fetchAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("job fetch failed, retrying",
				zap.String("jobId", jobID),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}),
	)
}

// Complete reports the raw outcome of a job.
func (c *Client) Complete(ctx context.Context, jobID string, outcome Outcome) error {
	return c.post(ctx, c.jobURL(jobID, "complete"), outcome)
}

type responseBody struct {
	JobID         string       `json:"jobId"`
	FinalResponse string       `json:"finalResponse"`
	Success       bool         `json:"success"`
	Steps         []StepResult `json:"steps"`
	Timestamp     int64        `json:"timestamp"`
}

// SendResponse reports the final USSD response with its step breakdown.
func (c *Client) SendResponse(ctx context.Context, jobID string, outcome Outcome) error {
	steps := outcome.Steps
	if steps == nil {
		steps = []StepResult{}
	}
	return c.post(ctx, c.jobURL(jobID, "response"), responseBody{
		JobID:         jobID,
		FinalResponse: outcome.Response,
		Success:       outcome.Success,
		Steps:         steps,
		Timestamp:     c.now().UnixMilli(),
	})
}

func (c *Client) post(ctx context.Context, endpoint string, body any) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(endpoint)
	if err != nil {
		return fmt.Errorf("post %s: %w", endpoint, err)
	}
	if resp.IsError() {
		return fmt.Errorf("post %s: HTTP %d", endpoint, resp.StatusCode())
	}
	return nil
}

func (c *Client) jobURL(jobID, action string) string {
	u := c.baseURL + "/jobs/" + url.PathEscape(jobID)
	if action != "" {
		u += "/" + action
	}
	return u
}
