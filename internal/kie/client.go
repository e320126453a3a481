// Package kie provides a client for the KIE jobs API, the image generation
// provider behind every artifact the service delivers.
//
// Generation is task based:
//  1. CreateTask submits the prompt and 1..10 source image URLs and returns a task id
//  2. PollResult queries recordInfo until the task succeeds, fails, or the
//     client-side deadline passes
//
// Creation is retried with linear backoff because the provider sheds load with
// transient errors. Polling is never retried past a terminal state; callers
// must create a new task to try again.
package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultBaseURL is the KIE API base URL.
	DefaultBaseURL = "https://api.kie.ai"
	// DefaultModel is the image edit model used when none is configured.
	DefaultModel = "google/nano-banana-edit"
	// DefaultPrompt is sent when the caller supplies an empty prompt.
	DefaultPrompt = "create a close clothing variation"

	// MaxImages is the provider's limit on source images per task.
	MaxImages = 10

	defaultTimeout = 60 * time.Second
	createAttempts = 3
	backoffStep    = 1500 * time.Millisecond

	// DefaultPollTimeout and DefaultPollInterval bound PollResult when zero values are passed.
	DefaultPollTimeout  = 10 * time.Minute
	DefaultPollInterval = 3 * time.Second
)

// Task states reported by recordInfo.
const (
	StatePending = "pending"
	StateSuccess = "success"
	StateFail    = "fail"
)

// Options configures a Client.
type Options struct {
	BaseURL       string
	APIKey        string
	Model         string
	OutputFormat  string
	ImageSize     string
	DefaultPrompt string
	CallbackURL   string
}

// Client creates and polls generation tasks.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	outFormat  string
	imageSize  string
	prompt     string
	callback   string

	// backoff is the sleep unit between create attempts; attempt n waits n*backoff.
	backoff time.Duration
}

// NewClient creates a KIE API client.
func NewClient(opts Options) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		model:      opts.Model,
		outFormat:  opts.OutputFormat,
		imageSize:  opts.ImageSize,
		prompt:     opts.DefaultPrompt,
		callback:   opts.CallbackURL,
		backoff:    backoffStep,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.prompt == "" {
		c.prompt = DefaultPrompt
	}
	return c
}

// --- API types ---

// TaskRequest describes one generation task.
type TaskRequest struct {
	Prompt    string
	ImageURLs []string
	// Extra is merged into the request input object, overriding defaults such as
	// output_format. The prompt and image_urls keys are ignored.
	Extra map[string]any
}

// Result is the decoded outcome of a successful task.
type Result struct {
	TaskID string
	URLs   []string
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type createData struct {
	TaskID string `json:"taskId"`
}

type recordData struct {
	TaskID     string          `json:"taskId"`
	State      string          `json:"state"`
	ResultJSON json.RawMessage `json:"resultJson"`
	FailCode   flexString      `json:"failCode"`
	FailMsg    string          `json:"failMsg"`
}

type resultPayload struct {
	ResultURLs []string `json:"resultUrls"`
}

// flexString accepts a JSON string, number, or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	*f = flexString(strings.TrimSpace(string(b)))
	return nil
}

// --- Task creation ---

// ValidateImageURLs checks that urls holds 1..MaxImages absolute http(s) URLs.
func ValidateImageURLs(urls []string) error {
	if len(urls) == 0 {
		return &ValidationError{Field: "image_urls", Message: "at least one image is required"}
	}
	if len(urls) > MaxImages {
		return &ValidationError{Field: "image_urls", Message: fmt.Sprintf("at most %d images, got %d", MaxImages, len(urls))}
	}
	for i, raw := range urls {
		if strings.TrimSpace(raw) == "" {
			return &ValidationError{Field: fmt.Sprintf("image_urls[%d]", i), Message: "empty URL"}
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: fmt.Sprintf("image_urls[%d]", i), Message: "not an absolute http(s) URL"}
		}
	}
	return nil
}

// reservedInput keys are set from validated request fields and cannot be
// overridden by TaskRequest.Extra.
var reservedInput = map[string]bool{"prompt": true, "image_urls": true}

// CreateTask validates req and submits it, retrying transient failures.
func (c *Client) CreateTask(ctx context.Context, req TaskRequest) (string, error) {
	if err := ValidateImageURLs(req.ImageURLs); err != nil {
		return "", err
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = c.prompt
	}
	input := map[string]any{
		"prompt":     prompt,
		"image_urls": req.ImageURLs,
	}
	if c.outFormat != "" {
		input["output_format"] = c.outFormat
	}
	if c.imageSize != "" {
		input["image_size"] = c.imageSize
	}
	for k, v := range req.Extra {
		if reservedInput[k] {
			log.Warn().Str("key", k).Msg("Ignoring reserved key in extra task input")
			continue
		}
		input[k] = v
	}
	payload := map[string]any{"model": c.model, "input": input}
	if c.callback != "" {
		payload["callBackUrl"] = c.callback
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode createTask: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= createAttempts; attempt++ {
		taskID, err := c.createOnce(ctx, body)
		if err == nil {
			log.Info().Str("taskId", taskID).Int("images", len(req.ImageURLs)).Int("attempt", attempt).Msg("KIE task created")
			return taskID, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		lastErr = err
		if attempt == createAttempts {
			break
		}

		wait := time.Duration(attempt) * c.backoff
		log.Warn().Err(err).Int("attempt", attempt).Dur("retryIn", wait).Msg("KIE createTask failed, retrying")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return "", fmt.Errorf("create task after %d attempts: %w", createAttempts, lastErr)
}

func (c *Client) createOnce(ctx context.Context, body []byte) (string, error) {
	env, err := c.do(ctx, "createTask", http.MethodPost, "/api/v1/jobs/createTask", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	if env.Code != http.StatusOK {
		return "", &RemoteServiceError{Op: "createTask", StatusCode: http.StatusOK, Code: env.Code, Message: env.Msg}
	}
	var data createData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return "", &RemoteServiceError{Op: "createTask", StatusCode: http.StatusOK, Code: env.Code, Err: fmt.Errorf("parse data: %w", err)}
		}
	}
	if data.TaskID == "" {
		return "", &RemoteServiceError{Op: "createTask", StatusCode: http.StatusOK, Code: env.Code, Message: "no taskId in response"}
	}
	return data.TaskID, nil
}

// --- Status polling ---

// PollResult waits for taskID to reach a terminal state. It returns on the
// first success or fail observation and gives up with a *TimeoutError once
// timeout has elapsed.
func (c *Client) PollResult(ctx context.Context, taskID string, timeout, interval time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	deadline := time.Now().Add(timeout)
	// Requests and sleeps both run under the poll deadline, so a slow or
	// hanging response cannot push the return past it.
	pctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	path := "/api/v1/jobs/recordInfo?taskId=" + url.QueryEscape(taskID)
	lastState := StatePending
	polls := 0
	timedOut := func() error {
		return &TimeoutError{TaskID: taskID, After: timeout, LastState: lastState}
	}

	for {
		env, err := c.do(pctx, "recordInfo", http.MethodGet, path, nil)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if pctx.Err() != nil {
				return nil, timedOut()
			}
			return nil, err
		}
		polls++

		if env.Code == http.StatusOK {
			var data recordData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return nil, fmt.Errorf("task %s: %w: %v", taskID, ErrMalformedResult, err)
			}
			lastState = strings.ToLower(data.State)
			switch lastState {
			case StateSuccess:
				urls, err := decodeResult(data.ResultJSON)
				if err != nil {
					return nil, fmt.Errorf("task %s: %w", taskID, err)
				}
				log.Info().Str("taskId", taskID).Int("polls", polls).Int("results", len(urls)).Msg("KIE task succeeded")
				return &Result{TaskID: taskID, URLs: urls}, nil
			case StateFail:
				return nil, &TaskFailedError{TaskID: taskID, FailCode: string(data.FailCode), FailMsg: data.FailMsg}
			default:
				log.Debug().Str("taskId", taskID).Str("state", lastState).Msg("KIE task still running")
			}
		} else {
			log.Debug().Str("taskId", taskID).Int("code", env.Code).Str("msg", env.Msg).Msg("KIE recordInfo not ready")
		}

		if time.Until(deadline) <= 0 {
			return nil, timedOut()
		}
		select {
		case <-pctx.Done():
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, timedOut()
		case <-time.After(interval):
		}
	}
}

// decodeResult extracts resultUrls from resultJson, which the provider sends
// as a JSON-encoded string (an inline object is accepted too).
func decodeResult(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing resultJson", ErrMalformedResult)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
		}
		raw = json.RawMessage(s)
	}
	var payload resultPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	var urls []string
	for _, u := range payload.ResultURLs {
		if strings.TrimSpace(u) != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no resultUrls", ErrMalformedResult)
	}
	return urls, nil
}

// --- Internal helpers ---

// do sends an authenticated request and decodes the response envelope.
// Transport errors and non-2xx statuses become *RemoteServiceError.
func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader) (*envelope, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		log.Debug().Str("op", op).Dur("duration", duration).Err(err).Msg("KIE API response")
		return nil, &RemoteServiceError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	log.Debug().Str("op", op).Int("statusCode", resp.StatusCode).Dur("duration", duration).Msg("KIE API response")

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteServiceError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &RemoteServiceError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(raw), 500)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &RemoteServiceError{
			Op: op, StatusCode: resp.StatusCode, Body: truncate(string(raw), 500),
			Err: fmt.Errorf("parse response: %w", err),
		}
	}
	return &env, nil
}

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
