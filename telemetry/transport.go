package telemetry

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// UpstreamFetch describes one completed request to a content origin.
type UpstreamFetch struct {
	Upstream   string
	StatusCode int // zero when no response arrived
	Bytes      int64
	Duration   time.Duration
	Outcome    string
}

// Upstream fetch outcomes.
const (
	FetchOK         = "ok"
	FetchHTTPError  = "http_error"
	FetchIncomplete = "incomplete"
	FetchFailed     = "error"
	FetchCanceled   = "canceled"
)

// InstrumentedTransport is an http.RoundTripper that reports every origin fetch.
// A fetch is reported when its body is closed, so byte counts and durations cover
// the whole download rather than just the headers.
type InstrumentedTransport struct {
	next     http.RoundTripper
	upstream string
}

// NewInstrumentedTransport reports fetches under the upstream label.
// A nil next falls back to http.DefaultTransport.
func NewInstrumentedTransport(next http.RoundTripper, upstream string) *InstrumentedTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &InstrumentedTransport{next: next, upstream: upstream}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	fetch := UpstreamFetch{Upstream: t.upstream}
	start := time.Now()

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		fetch.Duration = time.Since(start)
		fetch.Outcome = FetchFailed
		if ctx.Err() != nil {
			fetch.Outcome = FetchCanceled
		}
		RecordUpstreamFetch(ctx, fetch)
		return nil, err
	}

	fetch.StatusCode = resp.StatusCode
	resp.Body = &countingBody{
		ReadCloser: resp.Body,
		done: func(n int64, eof bool) {
			fetch.Bytes = n
			fetch.Duration = time.Since(start)
			switch {
			case resp.StatusCode >= 400:
				fetch.Outcome = FetchHTTPError
			case !eof:
				// The loader stops reading at its body cap; the rest never arrives.
				fetch.Outcome = FetchIncomplete
			default:
				fetch.Outcome = FetchOK
			}
			RecordUpstreamFetch(ctx, fetch)
		},
	}
	return resp, nil
}

// countingBody tracks bytes read and whether the body was drained.
type countingBody struct {
	io.ReadCloser
	n    int64
	eof  bool
	once sync.Once
	done func(n int64, eof bool)
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	if errors.Is(err, io.EOF) {
		b.eof = true
	}
	return n, err
}

func (b *countingBody) Close() error {
	b.once.Do(func() { b.done(b.n, b.eof) })
	return b.ReadCloser.Close()
}
