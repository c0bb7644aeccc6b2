package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gojektech/heimdall/v6"
	"github.com/gojektech/heimdall/v6/httpclient"

	"github.com/Tyrowin/bugtracker/internal/events"
	"github.com/Tyrowin/bugtracker/internal/publisher"
	"github.com/Tyrowin/bugtracker/internal/registry"
)

// RemoteOptionFunc configures a RemotePublisher.
type RemoteOptionFunc func(*remoteOptions)

type remoteOptions struct {
	timeout    time.Duration
	retries    int
	retrySleep time.Duration
}

// RemoteSetTimeout bounds every attempt.
func RemoteSetTimeout(d time.Duration) RemoteOptionFunc {
	return func(o *remoteOptions) {
		o.timeout = d
	}
}

// RemoteSetRetry retries attempts that failed before the request was written,
// such as a refused dial. Anything that may have reached the remote handler
// is never retried, so an event is delivered at most once.
func RemoteSetRetry(retries int, sleepBetweenRetry time.Duration) RemoteOptionFunc {
	return func(o *remoteOptions) {
		o.retries = retries
		o.retrySleep = sleepBetweenRetry
	}
}

// RemotePublisher publishes through another instance's internal events
// endpoint. It satisfies Publisher, so a CRUD process with no backplane
// connection can still drive a Notifier.
type RemotePublisher struct {
	baseURL string
	token   string
	client  *httpclient.Client
	retrier heimdall.Retriable
	retries int
}

// NewRemotePublisher returns a RemotePublisher posting to baseURL.
func NewRemotePublisher(baseURL, token string, opts ...RemoteOptionFunc) *RemotePublisher {
	o := remoteOptions{
		timeout:    5 * time.Second,
		retrySleep: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}

	// The client itself makes a single attempt; Publish decides what may be
	// retried.
	client := httpclient.NewClient(
		httpclient.WithHTTPTimeout(o.timeout),
		httpclient.WithRetryCount(0),
	)

	return &RemotePublisher{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		retrier: heimdall.NewRetrier(heimdall.NewConstantBackoff(o.retrySleep, 5*time.Millisecond)),
		retries: o.retries,
	}
}

// Publish implements Publisher. The result only says whether the remote
// instance accepted the event.
func (p *RemotePublisher) Publish(ctx context.Context, projectID int64, e events.Event) (res publisher.Result) {
	res = publisher.Result{ProjectID: projectID, Group: registry.GroupKey(projectID)}
	if e == nil {
		res.Err = publisher.ErrNilEvent
		return res
	}
	res.Kind = e.Kind()

	payload, err := events.Encode(e)
	if err != nil {
		res.Err = err
		return res
	}

	url := fmt.Sprintf("%s/internal/projects/%d/events", p.baseURL, projectID)
	for attempt := 0; ; attempt++ {
		resp, written, err := p.post(ctx, url, payload)
		if err == nil {
			if resp.StatusCode != http.StatusAccepted {
				res.Err = fmt.Errorf("remote publish: %w", remoteError(resp))
			}
			_ = resp.Body.Close()
			return res
		}
		if written || attempt >= p.retries {
			res.Err = fmt.Errorf("remote publish: %w", err)
			return res
		}

		select {
		case <-ctx.Done():
			res.Err = fmt.Errorf("remote publish: %w", ctx.Err())
			return res
		case <-time.After(p.retrier.NextInterval(attempt)):
		}
	}
}

// post makes one attempt and reports whether the request was written to the
// connection before it failed.
func (p *RemotePublisher) post(ctx context.Context, url string, payload []byte) (*http.Response, bool, error) {
	var written atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) { written.Store(true) },
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, written.Load(), err
	}
	return resp, true, nil
}

func remoteError(resp *http.Response) error {
	var body response
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return errors.New(body.Error)
	}
	return errors.New(resp.Status)
}
