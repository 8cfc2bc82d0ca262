package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/moodjar/emosync/internal/remote"
)

// Client implements remote.Store against a Server.
type Client struct {
	client *resty.Client
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	return &Client{client: c}
}

// Apply implements remote.Store.
func (c *Client) Apply(ctx context.Context, user string, ops []remote.Op) ([]remote.Result, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(&applyRequest{Ops: ops}).
		Post("/api/users/" + url.PathEscape(user) + "/ops")
	if err != nil {
		return nil, errors.WithStack(fmt.Errorf("%w: %v", remote.ErrUnavailable, err))
	}
	if err := statusError(resp); err != nil {
		return nil, err
	}

	var out applyResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, errors.WithStack(fmt.Errorf("%w: decode response: %v", remote.ErrUnavailable, err))
	}
	if len(out.Results) != len(ops) {
		return nil, errors.WithStack(fmt.Errorf("%w: got %d results for %d ops", remote.ErrUnavailable, len(out.Results), len(ops)))
	}
	return out.Results, nil
}

// Get implements remote.Store.
func (c *Client) Get(ctx context.Context, user, id string) (remote.Entry, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		Get("/api/users/" + url.PathEscape(user) + "/records/" + url.PathEscape(id))
	if err != nil {
		return remote.Entry{}, errors.WithStack(fmt.Errorf("%w: %v", remote.ErrUnavailable, err))
	}
	if err := statusError(resp); err != nil {
		return remote.Entry{}, err
	}

	var e remote.Entry
	if err := json.Unmarshal(resp.Body(), &e); err != nil {
		return remote.Entry{}, errors.WithStack(fmt.Errorf("%w: decode response: %v", remote.ErrUnavailable, err))
	}
	return e, nil
}

// Changes implements remote.Store.
func (c *Client) Changes(ctx context.Context, user, since string, limit int) ([]remote.Entry, string, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("since", since).
		SetQueryParam("limit", strconv.Itoa(limit)).
		Get("/api/users/" + url.PathEscape(user) + "/changes")
	if err != nil {
		return nil, since, errors.WithStack(fmt.Errorf("%w: %v", remote.ErrUnavailable, err))
	}
	if err := statusError(resp); err != nil {
		return nil, since, err
	}

	var out changesResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, since, errors.WithStack(fmt.Errorf("%w: decode response: %v", remote.ErrUnavailable, err))
	}
	return out.Entries, out.Next, nil
}

// Health reports whether the server answers its health probe.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get("/api/health")
	if err != nil {
		return errors.WithStack(fmt.Errorf("%w: %v", remote.ErrUnavailable, err))
	}
	return statusError(resp)
}

func statusError(resp *resty.Response) error {
	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound:
		return remote.ErrNotFound
	default:
		var e errorResponse
		_ = json.Unmarshal(resp.Body(), &e)
		if e.Error == "" {
			e.Error = resp.Status()
		}
		return errors.WithStack(fmt.Errorf("%w: status %d: %s", remote.ErrUnavailable, code, e.Error))
	}
}
