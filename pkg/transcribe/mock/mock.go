// Package mock provides a test double for the transcribe package interfaces.
//
// Provider records every Transcribe call and returns either a canned result,
// a canned error, or the output of a custom Func.
package mock

import (
	"context"
	"sync"

	"github.com/echocast/echocast/pkg/transcribe"
)

// Provider is a mock implementation of transcribe.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned from Transcribe when Func and Err are unset.
	Result transcribe.Result

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Func, if non-nil, computes the response per call. It takes precedence
	// over Result and Err.
	Func func(ctx context.Context, req transcribe.Request) (transcribe.Result, error)

	// Calls records every request in order.
	Calls []transcribe.Request
}

var _ transcribe.Provider = (*Provider)(nil)

// Transcribe records the call and returns the configured response.
func (p *Provider) Transcribe(ctx context.Context, req transcribe.Request) (transcribe.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	fn := p.Func
	res, err := p.Result, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return transcribe.Result{}, err
	}
	return res, nil
}

// CallCount returns the number of Transcribe invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
