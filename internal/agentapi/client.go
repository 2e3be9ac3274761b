package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/conductor/internal/agent"
	"github.com/msageha/conductor/internal/execution"
	"github.com/msageha/conductor/internal/model"
)

const defaultTimeout = 30 * time.Second

// Client calls one agent over HTTP. Remote errors come back as DownstreamException
// wrapping the agent's own error; timeouts wrap model.ErrAgentTimeout.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client for the agent at baseURL. A nil httpClient gets a default
// one with a 30s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) StartMigration(ctx context.Context, req agent.MigrationRequest, recipients []string) (uuid.UUID, error) {
	var out InstanceView
	if err := c.do(ctx, http.MethodPost, "/migrate/start", recipients, req, &out); err != nil {
		return uuid.Nil, err
	}
	return out.InstanceID, nil
}

func (c *Client) DequeueMigration(ctx context.Context, coord model.Coordinate) error {
	path := fmt.Sprintf("/migrate/dequeue/%s/%d", coord.ID, coord.Attempt)
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

func (c *Client) StartDeletion(ctx context.Context, req agent.DeletionRequest, recipients []string) (uuid.UUID, error) {
	var out InstanceView
	if err := c.do(ctx, http.MethodPost, "/delete/start", recipients, req, &out); err != nil {
		return uuid.Nil, err
	}
	return out.InstanceID, nil
}

func (c *Client) AbortMigration(ctx context.Context, id *uuid.UUID) ([]uuid.UUID, error) {
	return c.abort(ctx, "/migrate/abort", id)
}

func (c *Client) AbortDeletion(ctx context.Context, id *uuid.UUID) ([]uuid.UUID, error) {
	return c.abort(ctx, "/delete/abort", id)
}

func (c *Client) abort(ctx context.Context, path string, id *uuid.UUID) ([]uuid.UUID, error) {
	if id != nil {
		path += "/" + id.String()
	}
	var out InstancesView
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.InstanceIDs, nil
}

// Current returns the agent's running execution, or nil when it is idle.
func (c *Client) Current(ctx context.Context) (*execution.Slot, error) {
	var out execution.Slot
	found := false
	err := c.doWith(ctx, http.MethodGet, "/current", nil, nil, func(resp *http.Response) error {
		if resp.StatusCode == http.StatusNoContent {
			return nil
		}
		found = true
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	if err != nil || !found {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, recipients []string, body, out any) error {
	return c.doWith(ctx, method, path, recipients, body, func(resp *http.Response) error {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

func (c *Client) doWith(ctx context.Context, method, path string, recipients []string, body any, decode func(*http.Response) error) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, r := range recipients {
		req.Header.Add(EventRecipientHeader, r)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %s %s: %v", model.ErrAgentTimeout, method, c.baseURL+path, err)
		}
		return fmt.Errorf("%s %s: %w", method, c.baseURL+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if err := decode(resp); err != nil {
		return fmt.Errorf("decode response of %s %s: %w", method, path, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var view ErrorView
	if err := json.Unmarshal(data, &view); err != nil || view.Label == "" {
		return model.DownstreamException(resp.StatusCode, nil,
			fmt.Sprintf("agent responded %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}
	if view.StatusCode == 0 {
		view.StatusCode = resp.StatusCode
	}
	return model.DownstreamException(resp.StatusCode, view.ToExecError(), "")
}
