package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stackvirt/vmshift/pkg/api"
)

// NodeProxy is a host's view of a peer's migration phase handlers. A task
// drives prepare/finish on the destination's proxy and
// perform/confirm/cancel/resume on the source's, without caring whether the
// peer is this process or a remote agent.
type NodeProxy interface {
	Prepare(ctx context.Context, params api.MigrationParams) (*api.PrepareResult, error)
	Perform(ctx context.Context, params api.MigrationParams, dest api.PrepareResult) (*api.PerformResult, error)
	Finish(ctx context.Context, params api.MigrationParams, perform api.PerformResult) (*api.FinishResult, error)
	Confirm(ctx context.Context, params api.MigrationParams, finish api.FinishResult) error
	Cancel(ctx context.Context, params api.MigrationParams, timeout time.Duration) (bool, error)
	Resume(ctx context.Context, params api.MigrationParams) error
}

// LocalProxy serves phases from a controller in this process.
type LocalProxy struct {
	Controller *PhaseController
}

var _ NodeProxy = (*LocalProxy)(nil)

func (p *LocalProxy) Prepare(ctx context.Context, params api.MigrationParams) (*api.PrepareResult, error) {
	return p.Controller.Prepare(ctx, params)
}

func (p *LocalProxy) Perform(ctx context.Context, params api.MigrationParams, dest api.PrepareResult) (*api.PerformResult, error) {
	return p.Controller.Perform(ctx, params, dest)
}

func (p *LocalProxy) Finish(ctx context.Context, params api.MigrationParams, perform api.PerformResult) (*api.FinishResult, error) {
	return p.Controller.Finish(ctx, params, perform)
}

func (p *LocalProxy) Confirm(ctx context.Context, params api.MigrationParams, finish api.FinishResult) error {
	return p.Controller.Confirm(ctx, params, finish)
}

func (p *LocalProxy) Cancel(ctx context.Context, params api.MigrationParams, timeout time.Duration) (bool, error) {
	return p.Controller.Cancel(ctx, params, timeout)
}

func (p *LocalProxy) Resume(ctx context.Context, params api.MigrationParams) error {
	return p.Controller.Resume(ctx, params)
}

// HTTPProxy serves phases from a remote agent's migration endpoints.
type HTTPProxy struct {
	// BaseURL is the agent's root, e.g. "http://10.0.0.7:9400".
	BaseURL string
	Client  *http.Client
}

var _ NodeProxy = (*HTTPProxy)(nil)

func (p *HTTPProxy) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *HTTPProxy) post(ctx context.Context, path string, reqBody any, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return fmt.Errorf("calling %s on %s: %w", path, p.BaseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var remote api.ErrorResponse
		if json.Unmarshal(body, &remote) == nil && remote.Error != "" {
			return fmt.Errorf("%s on %s: %s", path, p.BaseURL, remote.Error)
		}
		return fmt.Errorf("%s on %s: unexpected status %d", path, p.BaseURL, resp.StatusCode)
	}
	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("unmarshaling %s response: %w", path, err)
	}
	return nil
}

func (p *HTTPProxy) Prepare(ctx context.Context, params api.MigrationParams) (*api.PrepareResult, error) {
	var result api.PrepareResult
	err := p.post(ctx, "/migration/prepare", api.PrepareRequest{Params: params}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *HTTPProxy) Perform(ctx context.Context, params api.MigrationParams, dest api.PrepareResult) (*api.PerformResult, error) {
	var result api.PerformResult
	err := p.post(ctx, "/migration/perform", api.PerformRequest{Params: params, Dest: dest}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *HTTPProxy) Finish(ctx context.Context, params api.MigrationParams, perform api.PerformResult) (*api.FinishResult, error) {
	var result api.FinishResult
	err := p.post(ctx, "/migration/finish", api.FinishRequest{Params: params, Perform: perform}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *HTTPProxy) Confirm(ctx context.Context, params api.MigrationParams, finish api.FinishResult) error {
	return p.post(ctx, "/migration/confirm", api.ConfirmRequest{Params: params, Finish: finish}, nil)
}

func (p *HTTPProxy) Cancel(ctx context.Context, params api.MigrationParams, timeout time.Duration) (bool, error) {
	var result api.CancelResponse
	req := api.CancelRequest{Params: params, TimeoutSeconds: int(timeout / time.Second)}
	if err := p.post(ctx, "/migration/cancel", req, &result); err != nil {
		return false, err
	}
	return result.Cancelled, nil
}

func (p *HTTPProxy) Resume(ctx context.Context, params api.MigrationParams) error {
	return p.post(ctx, "/migration/resume", api.ResumeRequest{Params: params}, nil)
}
