// Package solver contains HTTP clients for the external captcha solving
// services: image-to-text and interactive-challenge. Both follow a
// submit-then-poll protocol.
package solver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ImageSolver turns a captcha image into its text.
type ImageSolver interface {
	SolveImage(ctx context.Context, png []byte) (string, error)
}

// ChallengeSolver solves a third-party interactive challenge and returns the
// response token.
type ChallengeSolver interface {
	SolveChallenge(ctx context.Context, siteKey, pageURL string) (string, error)
}

// APIError is a failure reported by the solver service itself (bad key,
// unsolvable, quota exceeded).
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("solver: %s: %s", e.Code, e.Message)
}

// Client talks to one solver service endpoint.
type Client struct {
	baseURL      string
	apiKey       string
	httpc        *http.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		httpc:        &http.Client{Timeout: 30 * time.Second},
		pollInterval: 3 * time.Second,
		pollTimeout:  2 * time.Minute,
	}
}

type createTaskRequest struct {
	APIKey string         `json:"apiKey"`
	Task   map[string]any `json:"task"`
}

type createTaskResponse struct {
	TaskID  string `json:"taskId"`
	Code    string `json:"errorCode,omitempty"`
	Message string `json:"errorMessage,omitempty"`
}

type taskResultResponse struct {
	Status   string `json:"status"` // "pending" or "ready"
	Solution string `json:"solution,omitempty"`
	Code     string `json:"errorCode,omitempty"`
	Message  string `json:"errorMessage,omitempty"`
}

// SolveImage submits a PNG and polls for the recognized text.
func (c *Client) SolveImage(ctx context.Context, png []byte) (string, error) {
	return c.solve(ctx, map[string]any{
		"type": "ImageToText",
		"body": base64.StdEncoding.EncodeToString(png),
	})
}

// SolveChallenge submits a (siteKey, pageURL) pair and polls for the token.
func (c *Client) SolveChallenge(ctx context.Context, siteKey, pageURL string) (string, error) {
	return c.solve(ctx, map[string]any{
		"type":    "TokenChallenge",
		"siteKey": siteKey,
		"pageUrl": pageURL,
	})
}

func (c *Client) solve(ctx context.Context, task map[string]any) (string, error) {
	taskID, err := c.createTask(ctx, task)
	if err != nil {
		return "", err
	}

	deadline := time.Now().Add(c.pollTimeout)
	for {
		res, err := c.taskResult(ctx, taskID)
		if err != nil {
			return "", err
		}
		if res.Status == "ready" {
			return res.Solution, nil
		}
		if time.Now().After(deadline) {
			return "", &APIError{Code: "POLL_TIMEOUT", Message: "task " + taskID + " never became ready"}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) createTask(ctx context.Context, task map[string]any) (string, error) {
	body, err := json.Marshal(createTaskRequest{APIKey: c.apiKey, Task: task})
	if err != nil {
		return "", fmt.Errorf("solver: marshal task: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/createTask", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("solver: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("solver: submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: "createTask failed"}
	}

	var out createTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("solver: decode createTask response: %w", err)
	}
	if out.Code != "" {
		return "", &APIError{Code: out.Code, Message: out.Message}
	}
	if out.TaskID == "" {
		return "", &APIError{Code: "NO_TASK_ID", Message: "createTask returned no task id"}
	}
	return out.TaskID, nil
}

func (c *Client) taskResult(ctx context.Context, taskID string) (*taskResultResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/task/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("solver: build poll request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("solver: poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: "poll failed"}
	}

	var out taskResultResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("solver: decode poll response: %w", err)
	}
	if out.Code != "" {
		return nil, &APIError{Code: out.Code, Message: out.Message}
	}
	return &out, nil
}
