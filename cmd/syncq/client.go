package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/syncq/internal/codec"
	"github.com/openmined/syncq/internal/controlplane"
	"github.com/openmined/syncq/internal/version"
	"github.com/spf13/cobra"
)

const clientTimeout = 30 * time.Second

// cpClient talks to a running daemon's control plane.
type cpClient struct {
	client *req.Client
}

func newCPClient(baseURL, token string) *cpClient {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}

	c := req.C().
		SetBaseURL(baseURL).
		SetTimeout(clientTimeout).
		SetUserAgent(version.ShortWithApp()).
		SetJsonMarshal(codec.Marshal).
		SetJsonUnmarshal(codec.Unmarshal)
	if token != "" {
		c.SetCommonBearerAuthToken(token)
	}
	return &cpClient{client: c}
}

// clientFromCmd builds a client from --url/--token, falling back to SYNCQ_URL and
// SYNCQ_HTTP_TOKEN.
func clientFromCmd(cmd *cobra.Command) *cpClient {
	url, _ := cmd.Flags().GetString("url")
	if !cmd.Flags().Changed("url") {
		if env := os.Getenv(envPrefix + "_URL"); env != "" {
			url = env
		}
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv(envPrefix + "_HTTP_TOKEN")
	}
	return newCPClient(url, token)
}

func (c *cpClient) do(ctx context.Context, method, path string, body, out any) error {
	var apiErr controlplane.ControlPlaneError
	r := c.client.R().SetContext(ctx).SetErrorResult(&apiErr)
	if out != nil {
		r.SetSuccessResult(out)
	}
	if body != nil {
		r.SetBody(body)
	}

	resp, err := r.Send(method, path)
	if err != nil {
		return fmt.Errorf("control plane unreachable: %w", err)
	}
	if resp.IsErrorState() {
		if apiErr.ErrorCode != "" {
			return fmt.Errorf("%s: %s", apiErr.ErrorCode, apiErr.Error)
		}
		return fmt.Errorf("control plane: %s", resp.Status)
	}
	return nil
}

func (c *cpClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *cpClient) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}
