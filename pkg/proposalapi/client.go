// Package proposalapi provides a client for the proposal review API.
package proposalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/proposal-review/internal/model"
	"github.com/sells-group/proposal-review/internal/resilience"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRetry sets the retry policy.
func WithRetry(p resilience.Policy) Option {
	return func(c *Client) {
		c.retry = p
	}
}

// WithRateLimit caps requests per second. Zero disables the limit.
func WithRateLimit(perSec float64) Option {
	return func(c *Client) {
		if perSec <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
	}
}

// WithBreaker sets the circuit breaker shared by all calls.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// Client talks to the proposal API over HTTP. It is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retry   resilience.Policy
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry:   resilience.DefaultPolicy(),
		limiter: rate.NewLimiter(10, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns a proposal with the reviewer state persisted on it.
func (c *Client) Fetch(ctx context.Context, id string) (model.SourceProposal, error) {
	var p model.SourceProposal
	if err := c.do(ctx, http.MethodGet, proposalPath(id), nil, &p); err != nil {
		return model.SourceProposal{}, eris.Wrapf(err, "proposalapi: fetch %s", id)
	}
	return p, nil
}

type userModificationsRequest struct {
	UserModifiedFields map[string]any            `json:"userModifiedFields"`
	RaceEdits          map[string]map[string]any `json:"raceEdits"`
	RacesToDelete      []int64                   `json:"racesToDelete"`
}

// PersistOverrides writes the reviewer delta of a draft.
func (c *Client) PersistOverrides(ctx context.Context, id string, diff model.AutosaveDiff) error {
	body := userModificationsRequest{
		UserModifiedFields: diff.UserModifiedFields,
		RaceEdits:          diff.RaceEdits,
		RacesToDelete:      diff.RacesToDelete,
	}
	if body.RacesToDelete == nil {
		body.RacesToDelete = []int64{}
	}
	if err := c.do(ctx, http.MethodPut, proposalPath(id)+"/user-modifications", body, nil); err != nil {
		return eris.Wrapf(err, "proposalapi: persist overrides %s", id)
	}
	return nil
}

type validateBlockRequest struct {
	Block          string                    `json:"block"`
	ProposedValues map[string]any            `json:"proposedValues,omitempty"`
	RaceEdits      map[string]map[string]any `json:"raceEdits,omitempty"`
}

// ValidateBlock approves one block of a proposal.
func (c *Client) ValidateBlock(ctx context.Context, id string, payload model.BlockPayload) error {
	body := validateBlockRequest{
		Block:          payload.Block,
		ProposedValues: payload.Fields,
		RaceEdits:      payload.RaceEdits,
	}
	if err := c.do(ctx, http.MethodPost, proposalPath(id)+"/validate-block", body, nil); err != nil {
		return eris.Wrapf(err, "proposalapi: validate block %s of %s", payload.Block, id)
	}
	return nil
}

// UnvalidateBlock withdraws the approval of one block.
func (c *Client) UnvalidateBlock(ctx context.Context, id, block string) error {
	body := map[string]string{"block": block}
	if err := c.do(ctx, http.MethodPost, proposalPath(id)+"/unvalidate-block", body, nil); err != nil {
		return eris.Wrapf(err, "proposalapi: unvalidate block %s of %s", block, id)
	}
	return nil
}

func proposalPath(id string) string {
	return "/api/proposals/" + url.PathEscape(id)
}

// do sends a JSON request with retries and decodes the response into out
// when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return eris.Wrap(err, "encode request")
		}
	}

	policy := c.retry
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.LogRetry(method + " " + path)
	}

	body, err := resilience.Do(ctx, policy, func(ctx context.Context) ([]byte, error) {
		return c.send(ctx, method, path, payload)
	})
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return nil, err
		}
	}
	body, err := c.roundTrip(ctx, method, path, payload)
	if c.breaker != nil {
		c.breaker.Record(err)
	}
	return body, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limit wait")
		}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(body)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &resilience.StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(msg)}
	}
	return body, nil
}
