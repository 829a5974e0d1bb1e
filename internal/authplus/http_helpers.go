package authplus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dc-tec/ota-deploy-state/internal/constants"
	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
)

const maxErrorBody = 512

func (c *Client) newRequest(ctx context.Context, method string, path string, body io.Reader) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
}

func (c *Client) doRequest(req *http.Request, route string, op string) (*http.Response, error) {
	if err := c.guard.wait(req.Context(), route); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.guard.record(route, false)
		return nil, operrors.NewTransportError(constants.BackendAuthPlus, 0, fmt.Errorf("%s: %w", op, err))
	}
	return resp, nil
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// doJSON sends req and decodes a 2xx response body into out. Any other status
// is returned as a TransportError carrying the status code.
func (c *Client) doJSON(req *http.Request, route string, op string, out any) error {
	resp, err := c.doRequest(req, route, op)
	if err != nil {
		return err
	}
	defer drainAndClose(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.guard.record(route, false)
		return operrors.NewTransportError(constants.BackendAuthPlus, 0, fmt.Errorf("%s: failed to read response body: %w", op, err))
	}

	overloaded := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	c.guard.record(route, !overloaded)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return operrors.NewTransportError(constants.BackendAuthPlus, resp.StatusCode, fmt.Errorf("%s: %s", op, string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return operrors.WrapDecodeFailure(fmt.Errorf("%s: failed to parse response: %w", op, err))
	}
	return nil
}
