// Package queue captures form submissions made while offline and replays
// them when connectivity returns.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/telemetry"
)

const (
	// PendingNamespace holds submissions awaiting delivery.
	PendingNamespace = "queue:submissions"
	// DeadNamespace holds submissions that reached the attempt cap.
	DeadNamespace = "queue:dead"

	defaultConcurrency = 4
)

// ErrNotFound is returned by Remove for an unknown submission.
var ErrNotFound = errors.New("submission not found")

// Submission is one captured request.
type Submission struct {
	ID          string      `json:"id"`
	Revision    string      `json:"revision,omitempty"`
	URL         string      `json:"url"`
	Method      string      `json:"method"`
	Header      http.Header `json:"header,omitempty"`
	Body        []byte      `json:"body,omitempty"`
	CapturedAt  time.Time   `json:"captured_at"`
	Attempts    int         `json:"attempts"`
	LastAttempt time.Time   `json:"last_attempt,omitzero"`
	LastError   string      `json:"last_error,omitempty"`
}

// Outcome is what happened to one submission during a replay.
type Outcome string

const (
	Delivered    Outcome = "delivered"
	Retained     Outcome = "retained"
	DeadLettered Outcome = "dead_lettered"
)

// ItemResult reports the replay of one submission.
type ItemResult struct {
	ID      string
	URL     string
	Outcome Outcome
	// Status is the response status, zero when no response was received.
	Status int
	Err    error
}

// ReplayResult summarizes a replay run.
type ReplayResult struct {
	Items    []ItemResult
	Duration time.Duration
}

// Count returns how many items ended with outcome o.
func (r *ReplayResult) Count(o Outcome) int {
	n := 0
	for _, it := range r.Items {
		if it.Outcome == o {
			n++
		}
	}
	return n
}

// Sender delivers replayed requests.
type Sender interface {
	Fetch(ctx context.Context, req *http.Request) (*offlinecache.Response, error)
}

// Queue is the offline submission queue.
type Queue struct {
	backend     backend.Backend
	sender      Sender
	origin      *url.URL
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
	concurrency int
	maxAttempts int
	keyByURL    bool

	// mu orders captures and removals against replay settling an entry.
	mu    sync.Mutex
	group singleflight.Group
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithConcurrency bounds parallel deliveries during a replay.
func WithConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.concurrency = n
		}
	}
}

// WithMaxAttempts moves a submission to the dead-letter namespace once it
// has failed n times. Zero retries forever.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		q.maxAttempts = n
	}
}

// KeyByURL stores submissions under their target URL instead of a generated
// ID. A later capture for the same URL replaces the earlier one.
func KeyByURL() Option {
	return func(q *Queue) {
		q.keyByURL = true
	}
}

// New creates a queue persisted in b. Relative URLs are resolved against
// origin.
func New(b backend.Backend, sender Sender, origin *url.URL, opts ...Option) *Queue {
	q := &Queue{
		backend:     b,
		sender:      sender,
		origin:      origin,
		logger:      slog.Default(),
		now:         time.Now,
		newID:       uuid.NewString,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue")
	return q
}

// Capture stores a POST of body to rawURL for later replay. header is kept
// verbatim.
func (q *Queue) Capture(ctx context.Context, rawURL string, body []byte, header http.Header) (*Submission, error) {
	target, err := offlinecache.NormalizeURL(rawURL, q.origin)
	if err != nil {
		return nil, fmt.Errorf("capturing %q: %w", rawURL, err)
	}

	sub := &Submission{
		ID:         q.newID(),
		Revision:   q.newID(),
		URL:        target,
		Method:     http.MethodPost,
		Header:     header.Clone(),
		Body:       bytes.Clone(body),
		CapturedAt: q.now(),
	}
	if q.keyByURL {
		sub.ID = target
	}

	q.mu.Lock()
	err = q.put(ctx, PendingNamespace, sub)
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}
	q.logger.Info("submission captured", "id", sub.ID, "url", sub.URL, "size", len(sub.Body))
	q.recordDepth(ctx)
	return sub, nil
}

// Pending lists submissions awaiting delivery, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]*Submission, error) {
	return q.list(ctx, PendingNamespace)
}

// Dead lists submissions that reached the attempt cap, oldest first.
func (q *Queue) Dead(ctx context.Context) ([]*Submission, error) {
	return q.list(ctx, DeadNamespace)
}

// Remove deletes a submission from the pending or dead-letter namespace.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	found := false
	for _, ns := range []string{PendingNamespace, DeadNamespace} {
		if _, err := q.get(ctx, ns, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		found = true
		if err := q.backend.Delete(ctx, ns, id); err != nil {
			return fmt.Errorf("removing %s: %w", id, err)
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	q.recordDepth(ctx)
	return nil
}

// Replay resends every pending submission. Items are delivered
// concurrently in no particular order and one item's failure never stops
// the others. Delivered items are removed; failed items are kept with
// their attempt count updated. An entry replaced by a newer capture or
// removed while its request is in flight is left as it is. Concurrent
// calls share one run.
//
// Only a failure to enumerate the queue is returned as an error.
func (q *Queue) Replay(ctx context.Context) (*ReplayResult, error) {
	ch := q.group.DoChan("replay", func() (any, error) {
		return q.replay(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ReplayResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) replay(ctx context.Context) (*ReplayResult, error) {
	start := q.now()
	ids, err := q.backend.Keys(ctx, PendingNamespace)
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}

	items := make([]ItemResult, len(ids))
	var g errgroup.Group
	g.SetLimit(q.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			items[i] = q.replayOne(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	// Submissions removed while the run was starting are skipped.
	result := &ReplayResult{Items: make([]ItemResult, 0, len(items))}
	for _, it := range items {
		if it.ID != "" {
			result.Items = append(result.Items, it)
		}
	}
	result.Duration = q.now().Sub(start)

	telemetry.RecordReplayRun(ctx, result.Duration)
	q.recordDepth(ctx)
	q.logger.Info("replay complete",
		"delivered", result.Count(Delivered),
		"retained", result.Count(Retained),
		"dead_lettered", result.Count(DeadLettered),
		"duration", result.Duration,
	)
	return result, nil
}

func (q *Queue) replayOne(ctx context.Context, id string) ItemResult {
	sub, err := q.get(ctx, PendingNamespace, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			q.logger.Error("failed to load submission", "id", id, "error", err)
			return ItemResult{ID: id, Outcome: Retained, Err: err}
		}
		return ItemResult{}
	}

	res := ItemResult{ID: sub.ID, URL: sub.URL}
	status, sendErr := q.send(ctx, sub)
	res.Status = status

	q.mu.Lock()
	defer q.mu.Unlock()

	// The entry may have been replaced by a newer capture for the same key,
	// or removed, while the request was in flight. Only the replayed
	// revision is deleted or rewritten.
	stored, err := q.reload(ctx, id)
	if err != nil {
		q.logger.Error("failed to reload submission", "id", id, "error", err)
	}
	current := stored != nil && stored.Revision == sub.Revision

	if sendErr == nil {
		if current {
			if err := q.backend.Delete(ctx, PendingNamespace, id); err != nil {
				// Delivered but still queued; it will be sent again.
				q.logger.Error("failed to remove delivered submission", "id", id, "error", err)
			}
		}
		res.Outcome = Delivered
		telemetry.RecordReplay(ctx, string(Delivered))
		q.logger.Debug("submission delivered", "id", id, "url", sub.URL, "status", status)
		return res
	}

	res.Err = sendErr
	if !current {
		if err == nil && stored == nil {
			q.logger.Info("submission removed during replay", "id", id, "url", sub.URL)
			return ItemResult{}
		}
		res.Outcome = Retained
		telemetry.RecordReplay(ctx, string(Retained))
		q.logger.Info("submission changed during replay", "id", id, "url", sub.URL, "error", sendErr)
		return res
	}

	sub.Attempts++
	sub.LastAttempt = q.now()
	sub.LastError = sendErr.Error()

	if q.maxAttempts > 0 && sub.Attempts >= q.maxAttempts {
		if err := q.put(ctx, DeadNamespace, sub); err != nil {
			q.logger.Error("failed to dead-letter submission", "id", id, "error", err)
			res.Outcome = Retained
			telemetry.RecordReplay(ctx, string(Retained))
			return res
		}
		if err := q.backend.Delete(ctx, PendingNamespace, id); err != nil {
			q.logger.Error("failed to remove dead-lettered submission", "id", id, "error", err)
		}
		res.Outcome = DeadLettered
		telemetry.RecordReplay(ctx, string(DeadLettered))
		q.logger.Warn("submission dead-lettered", "id", id, "url", sub.URL, "attempts", sub.Attempts, "error", sendErr)
		return res
	}

	if err := q.put(ctx, PendingNamespace, sub); err != nil {
		q.logger.Error("failed to update submission", "id", id, "error", err)
	}
	res.Outcome = Retained
	telemetry.RecordReplay(ctx, string(Retained))
	q.logger.Info("submission retained", "id", id, "url", sub.URL, "attempts", sub.Attempts, "error", sendErr)
	return res
}

// reload returns the pending entry under id, or nil when it is gone.
// Callers hold q.mu.
func (q *Queue) reload(ctx context.Context, id string) (*Submission, error) {
	sub, err := q.get(ctx, PendingNamespace, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return sub, err
}

// send delivers sub. 2xx and 3xx count as delivered.
func (q *Queue) send(ctx context.Context, sub *Submission) (int, error) {
	req, err := http.NewRequestWithContext(ctx, sub.Method, sub.URL, bytes.NewReader(sub.Body))
	if err != nil {
		return 0, err
	}
	if sub.Header != nil {
		req.Header = sub.Header.Clone()
	}

	resp, err := q.sender.Fetch(ctx, req)
	if err != nil {
		return 0, err
	}
	if resp.Status >= http.StatusBadRequest {
		return resp.Status, fmt.Errorf("unexpected status %d", resp.Status)
	}
	return resp.Status, nil
}

func (q *Queue) put(ctx context.Context, ns string, sub *Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encoding submission: %w", err)
	}
	if err := q.backend.Put(ctx, ns, sub.ID, data); err != nil {
		return fmt.Errorf("storing submission %s: %w", sub.ID, err)
	}
	return nil
}

func (q *Queue) get(ctx context.Context, ns, id string) (*Submission, error) {
	data, err := q.backend.Get(ctx, ns, id)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading submission %s: %w", id, err)
	}
	var sub Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("decoding submission %s: %w", id, err)
	}
	return &sub, nil
}

func (q *Queue) list(ctx context.Context, ns string) ([]*Submission, error) {
	ids, err := q.backend.Keys(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", ns, err)
	}
	subs := make([]*Submission, 0, len(ids))
	for _, id := range ids {
		sub, err := q.get(ctx, ns, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].CapturedAt.Before(subs[j].CapturedAt)
	})
	return subs, nil
}

func (q *Queue) recordDepth(ctx context.Context) {
	for _, ns := range []string{PendingNamespace, DeadNamespace} {
		keys, err := q.backend.Keys(ctx, ns)
		if err != nil {
			continue
		}
		telemetry.RecordQueueDepth(ctx, ns, len(keys))
	}
}
