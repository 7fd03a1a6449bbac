package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/syncq/internal/codec"
	"github.com/openmined/syncq/internal/syncq"
	"github.com/openmined/syncq/internal/utils"
	"github.com/openmined/syncq/internal/version"
)

const (
	v1Apply  = "/v1/sync/apply"
	v1Health = "/health"

	defaultHTTPTimeout = 30 * time.Second
)

var ErrNoRemoteURL = errors.New("remote: url missing")

// APIError is the error body returned by an HTTP remote.
type APIError struct {
	Code    string       `json:"code"`
	Message string       `json:"error"`
	Remote  syncq.Record `json:"remote,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote error: %s", e.Message)
	}
	return fmt.Sprintf("remote error: %s - %s", e.Code, e.Message)
}

// HTTPClient applies mutations by POSTing envelopes to a remote HTTP API.
type HTTPClient struct {
	client *req.Client
}

func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, ErrNoRemoteURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	// retries belong to the sync engine, so the client makes exactly one attempt
	client := req.C().
		SetBaseURL(cfg.URL).
		SetTimeout(timeout).
		SetUserAgent(UserAgent).
		SetCommonHeader(HeaderVersion, version.Version).
		SetCommonHeader(HeaderDeviceID, utils.HWID).
		SetJsonMarshal(codec.Marshal).
		SetJsonUnmarshal(codec.Unmarshal)

	if cfg.Token != "" {
		client.SetCommonBearerAuthToken(cfg.Token)
	}

	return &HTTPClient{client: client}, nil
}

func (c *HTTPClient) Apply(ctx context.Context, item *syncq.SyncItem) error {
	var apiErr APIError
	res, err := c.client.R().
		SetContext(ctx).
		SetHeader(HeaderItemID, item.ID).
		SetBody(NewEnvelope(item)).
		SetErrorResult(&apiErr).
		Post(v1Apply)

	return classifyResponse(res, err, &apiErr)
}

func (c *HTTPClient) Probe(ctx context.Context) error {
	res, err := c.client.R().SetContext(ctx).Get(v1Health)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if res.IsErrorState() {
		return fmt.Errorf("health check: unexpected status %d", res.GetStatusCode())
	}
	return nil
}

func classifyResponse(res *req.Response, reqErr error, apiErr *APIError) error {
	status := 0
	if res != nil {
		status = res.GetStatusCode()
	}

	// no response: transport failure
	if status == 0 {
		if reqErr == nil {
			reqErr = errors.New("empty response")
		}
		return fmt.Errorf("apply request: %w", reqErr)
	}

	if status < http.StatusBadRequest {
		if reqErr != nil {
			return fmt.Errorf("apply request: %w", reqErr)
		}
		return nil
	}

	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}

	switch {
	case status == http.StatusConflict:
		return &syncq.ConflictError{Reason: apiErr.Message, Remote: apiErr.Remote}
	case isPermanentStatus(status):
		return syncq.Permanent(fmt.Errorf("apply rejected (%d): %w", status, apiErr))
	default:
		return fmt.Errorf("apply failed (%d): %w", status, apiErr)
	}
}

func isPermanentStatus(status int) bool {
	switch status {
	case http.StatusBadRequest,
		http.StatusNotFound,
		http.StatusGone,
		http.StatusRequestEntityTooLarge,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}
