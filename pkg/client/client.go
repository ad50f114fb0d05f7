// Package client is the REST client used by compute workers and
// command line tools
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/molforge/molforge/pkg/types"
)

// Client talks to a molforge server. Authentication is a JWT pair; the
// access token is renewed through the refresh token when it expires.
type Client struct {
	baseURL string
	http    *http.Client

	username string
	password string

	accessToken  string
	refreshToken string
}

// New creates a client for the server at baseURL
func New(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 60 * time.Second},
		username: username,
		password: password,
	}
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Login authenticates with the stored credentials
func (c *Client) Login(ctx context.Context) error {
	var tokens tokenPair
	err := c.post(ctx, "/v1/login", map[string]string{
		"username": c.username,
		"password": c.password,
	}, &tokens, false)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	c.accessToken = tokens.AccessToken
	c.refreshToken = tokens.RefreshToken
	return nil
}

func (c *Client) refresh(ctx context.Context) error {
	var tokens tokenPair
	err := c.post(ctx, "/v1/refresh", map[string]string{
		"refresh_token": c.refreshToken,
	}, &tokens, false)
	if err != nil {
		// Refresh token expired too, start over from credentials
		return c.Login(ctx)
	}
	c.accessToken = tokens.AccessToken
	c.refreshToken = tokens.RefreshToken
	return nil
}

// StatusError is a non-2xx response from the server
type StatusError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Kind, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, authed bool) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && authed {
		if err := c.refresh(ctx); err != nil {
			return err
		}
		return c.do(ctx, method, path, body, out, authed)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		_ = json.Unmarshal(data, &apiErr)
		return &StatusError{StatusCode: resp.StatusCode, Kind: apiErr.Kind, Message: apiErr.Error}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}, authed bool) error {
	return c.do(ctx, http.MethodPost, path, body, out, authed)
}

// retryable wraps an operation in exponential backoff. Client-side
// errors (4xx) are permanent; everything else retries.
func retryable(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		err := op()
		var statusErr *StatusError
		if ok := asStatusError(err, &statusErr); ok &&
			statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func asStatusError(err error, target **StatusError) bool {
	if e, ok := err.(*StatusError); ok {
		*target = e
		return true
	}
	return false
}

// ActivateManager registers a compute manager
func (c *Client) ActivateManager(ctx context.Context, mgr *types.Manager) error {
	return retryable(ctx, func() error {
		return c.post(ctx, "/v1/managers", mgr, nil, true)
	})
}

// Heartbeat refreshes manager liveness
func (c *Client) Heartbeat(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPatch, "/v1/managers/"+name, nil, nil, true)
}

// DeactivateManager retires a manager; the server requeues its tasks
func (c *Client) DeactivateManager(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/managers/"+name, nil, nil, true)
}

// ClaimTasks pulls up to limit tasks for a manager
func (c *Client) ClaimTasks(ctx context.Context, managerName string, limit int) ([]*types.Task, error) {
	var tasks []*types.Task
	err := retryable(ctx, func() error {
		return c.post(ctx, "/v1/tasks/claim", map[string]interface{}{
			"manager_name": managerName,
			"limit":        limit,
		}, &tasks, true)
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// TaskReturn is one result in a return batch
type TaskReturn struct {
	RecordID   int64             `json:"record_id"`
	ClaimToken string            `json:"claim_token"`
	Result     *types.TaskResult `json:"result"`
}

// TaskReturnOutcome reports whether the server accepted a result
type TaskReturnOutcome struct {
	RecordID int64  `json:"record_id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// ReturnTasks sends a batch of results back
func (c *Client) ReturnTasks(ctx context.Context, returns []TaskReturn) ([]TaskReturnOutcome, error) {
	var outcomes []TaskReturnOutcome
	err := retryable(ctx, func() error {
		return c.post(ctx, "/v1/tasks/return", returns, &outcomes, true)
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// SubmitRecords creates records of the given kind
func (c *Client) SubmitRecords(ctx context.Context, kind types.RecordKind, spec json.RawMessage,
	moleculeSets [][]*types.Molecule, tag string, priority types.Priority) ([]int64, error) {
	var resp struct {
		Meta types.InsertMetadata `json:"meta"`
		IDs  []int64              `json:"ids"`
	}
	err := c.post(ctx, "/v1/records", map[string]interface{}{
		"kind":          kind,
		"specification": spec,
		"molecule_sets": moleculeSets,
		"tag":           tag,
		"priority":      priority,
	}, &resp, true)
	if err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// GetRecord fetches a single record
func (c *Client) GetRecord(ctx context.Context, id int64) (*types.Record, error) {
	var resp struct {
		Record *types.Record `json:"record"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/records/%d", id), nil, &resp, true)
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}
