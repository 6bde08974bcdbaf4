package telemetry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// Network fetch outcomes that are not a status class.
const (
	OutcomeOffline  = "offline"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeError    = "error"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// NetworkTransport wraps base so every origin request is counted under
// purpose ("fetch", "precache", "replay"). The fetch is recorded once the
// body has been read to the end or closed. A nil base means
// http.DefaultTransport.
func NetworkTransport(base http.RoundTripper, purpose string) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := base.RoundTrip(req)
		if err != nil {
			RecordNetworkFetch(req.Context(), purpose, time.Since(start), 0, FailureOutcome(req.Context(), err))
			return nil, err
		}
		resp.Body = &countingBody{
			ReadCloser: resp.Body,
			record: func(n int64) {
				RecordNetworkFetch(req.Context(), purpose, time.Since(start), n, StatusClass(resp.StatusCode))
			},
		}
		return resp, nil
	})
}

// FailureOutcome classifies a request that produced no response. A refused
// or unroutable connection is offline; the worker treats it the same as
// any other network failure but it is the case worth alerting on.
func FailureOutcome(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return OutcomeCanceled
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return OutcomeTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return OutcomeOffline
	}
	return OutcomeError
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// countingBody reports the bytes read exactly once, at EOF or Close.
type countingBody struct {
	io.ReadCloser
	n      int64
	once   sync.Once
	record func(n int64)
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	if err == io.EOF {
		b.once.Do(func() { b.record(b.n) })
	}
	return n, err
}

func (b *countingBody) Close() error {
	b.once.Do(func() { b.record(b.n) })
	return b.ReadCloser.Close()
}
