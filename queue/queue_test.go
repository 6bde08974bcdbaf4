package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/network"
)

var testOrigin = mustParse("https://loyalty.example.com")

func mustParse(s string) *url.URL {
	u, err := url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// scriptedSender answers with a fixed status, or fails when err is set.
type scriptedSender struct {
	mu     sync.Mutex
	status map[string]int
	err    error
	calls  int
	bodies []string
}

func (s *scriptedSender) Fetch(ctx context.Context, req *http.Request) (*offlinecache.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	body, _ := io.ReadAll(req.Body)
	s.bodies = append(s.bodies, string(body))
	status := http.StatusOK
	if st, ok := s.status[req.URL.String()]; ok {
		status = st
	}
	return &offlinecache.Response{Status: status, Type: offlinecache.TypeBasic, URL: req.URL.String()}, nil
}

func newTestQueue(t *testing.T, sender Sender, opts ...Option) (*Queue, backend.Backend) {
	t.Helper()
	b := backend.NewMemory()
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	opts = append([]Option{WithNow(now)}, opts...)
	return New(b, sender, testOrigin, opts...), b
}

func TestCaptureAndReplayScenario(t *testing.T) {
	var (
		mu                      sync.Mutex
		received                int
		gotBody, gotContentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transactions/issue" {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = string(b)
		gotContentType = r.Header.Get("Content-Type")
		received++
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()
	origin := mustParse(srv.URL)

	q := New(backend.NewMemory(), network.New(origin), origin)
	ctx := context.Background()

	header := http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}
	sub, err := q.Capture(ctx, "/transactions/issue", []byte("member=42&points=10"), header)
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID)
	require.Equal(t, srv.URL+"/transactions/issue", sub.URL)
	require.Equal(t, http.MethodPost, sub.Method)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	res, err := q.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, Delivered, res.Items[0].Outcome)
	require.Equal(t, http.StatusCreated, res.Items[0].Status)

	mu.Lock()
	require.Equal(t, 1, received)
	require.Equal(t, "member=42&points=10", gotBody)
	require.Equal(t, "application/x-www-form-urlencoded", gotContentType)
	mu.Unlock()

	res, err = q.Replay(ctx)
	require.NoError(t, err)
	require.Empty(t, res.Items)

	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestReplayFailureRetains(t *testing.T) {
	tests := []struct {
		name   string
		sender *scriptedSender
		status int
	}{
		{
			name:   "network error",
			sender: &scriptedSender{err: fmt.Errorf("%w: connection refused", network.ErrNetwork)},
		},
		{
			name:   "server error",
			sender: &scriptedSender{status: map[string]int{"https://loyalty.example.com/transactions/issue": 500}},
			status: 500,
		},
		{
			name:   "client error",
			sender: &scriptedSender{status: map[string]int{"https://loyalty.example.com/transactions/issue": 422}},
			status: 422,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := newTestQueue(t, tt.sender)
			ctx := context.Background()

			sub, err := q.Capture(ctx, "/transactions/issue", []byte("a=1"), nil)
			require.NoError(t, err)

			res, err := q.Replay(ctx)
			require.NoError(t, err)
			require.Len(t, res.Items, 1)
			require.Equal(t, Retained, res.Items[0].Outcome)
			require.Equal(t, tt.status, res.Items[0].Status)
			require.Error(t, res.Items[0].Err)

			pending, err := q.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			require.Equal(t, sub.ID, pending[0].ID)
			require.Equal(t, 1, pending[0].Attempts)
			require.NotEmpty(t, pending[0].LastError)
			require.False(t, pending[0].LastAttempt.IsZero())
		})
	}
}

func TestReplayOneFailureDoesNotStopOthers(t *testing.T) {
	sender := &scriptedSender{status: map[string]int{
		"https://loyalty.example.com/broken": 500,
	}}
	q, _ := newTestQueue(t, sender)
	ctx := context.Background()

	_, err := q.Capture(ctx, "/transactions/issue", []byte("a=1"), nil)
	require.NoError(t, err)
	broken, err := q.Capture(ctx, "/broken", []byte("b=2"), nil)
	require.NoError(t, err)
	_, err = q.Capture(ctx, "/rewards/redeem", []byte("c=3"), nil)
	require.NoError(t, err)

	res, err := q.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, res.Items, 3)
	require.Equal(t, 2, res.Count(Delivered))
	require.Equal(t, 1, res.Count(Retained))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, broken.ID, pending[0].ID)
}

func TestReplayDeadLetters(t *testing.T) {
	sender := &scriptedSender{err: errors.New("offline")}
	q, _ := newTestQueue(t, sender, WithMaxAttempts(2))
	ctx := context.Background()

	sub, err := q.Capture(ctx, "/transactions/issue", []byte("a=1"), nil)
	require.NoError(t, err)

	res, err := q.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(Retained))

	res, err = q.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Count(DeadLettered))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	dead, err := q.Dead(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, sub.ID, dead[0].ID)
	require.Equal(t, 2, dead[0].Attempts)

	// Dead letters are not replayed.
	res, err = q.Replay(ctx)
	require.NoError(t, err)
	require.Empty(t, res.Items)

	require.NoError(t, q.Remove(ctx, sub.ID))
	dead, err = q.Dead(ctx)
	require.NoError(t, err)
	require.Empty(t, dead)
}

func TestCaptureKeying(t *testing.T) {
	ctx := context.Background()

	t.Run("by id keeps both", func(t *testing.T) {
		q, _ := newTestQueue(t, &scriptedSender{})
		_, err := q.Capture(ctx, "/transactions/issue", []byte("first"), nil)
		require.NoError(t, err)
		_, err = q.Capture(ctx, "/transactions/issue", []byte("second"), nil)
		require.NoError(t, err)

		pending, err := q.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "first", string(pending[0].Body))
		assert.Equal(t, "second", string(pending[1].Body))
	})

	t.Run("by url replaces", func(t *testing.T) {
		q, _ := newTestQueue(t, &scriptedSender{}, KeyByURL())
		_, err := q.Capture(ctx, "/transactions/issue", []byte("first"), nil)
		require.NoError(t, err)
		sub, err := q.Capture(ctx, "/transactions/issue", []byte("second"), nil)
		require.NoError(t, err)
		require.Equal(t, "https://loyalty.example.com/transactions/issue", sub.ID)

		pending, err := q.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "second", string(pending[0].Body))
	})
}

func TestCaptureRejectsBadURL(t *testing.T) {
	q, _ := newTestQueue(t, &scriptedSender{})
	_, err := q.Capture(context.Background(), "http://[::1", nil, nil)
	require.Error(t, err)
}

func TestRemoveUnknown(t *testing.T) {
	q, _ := newTestQueue(t, &scriptedSender{})
	require.ErrorIs(t, q.Remove(context.Background(), "missing"), ErrNotFound)
}

// blockingSender holds every delivery until release is closed, then
// answers 200 or fails with err.
type blockingSender struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	once    sync.Once
	err     error
}

func newBlockingSender(err error) *blockingSender {
	return &blockingSender{started: make(chan struct{}), release: make(chan struct{}), err: err}
}

func (s *blockingSender) Fetch(ctx context.Context, req *http.Request) (*offlinecache.Response, error) {
	s.calls.Add(1)
	s.once.Do(func() { close(s.started) })
	<-s.release
	if s.err != nil {
		return nil, s.err
	}
	return &offlinecache.Response{Status: http.StatusOK}, nil
}

func TestReplayKeepsCaptureMadeDuringDelivery(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome Outcome
	}{
		{name: "delivered", outcome: Delivered},
		{name: "failed", err: fmt.Errorf("%w: connection refused", network.ErrNetwork), outcome: Retained},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			sender := newBlockingSender(tt.err)
			q, _ := newTestQueue(t, sender, KeyByURL())

			_, err := q.Capture(ctx, "/transactions/issue", []byte("first"), nil)
			require.NoError(t, err)

			done := make(chan *ReplayResult, 1)
			go func() {
				res, err := q.Replay(ctx)
				assert.NoError(t, err)
				done <- res
			}()
			<-sender.started

			_, err = q.Capture(ctx, "/transactions/issue", []byte("second"), nil)
			require.NoError(t, err)
			close(sender.release)

			res := <-done
			require.NotNil(t, res)
			require.Len(t, res.Items, 1)
			assert.Equal(t, tt.outcome, res.Items[0].Outcome)

			pending, err := q.Pending(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, "second", string(pending[0].Body))
			assert.Zero(t, pending[0].Attempts)
		})
	}
}

func TestRemoveDuringFailedReplay(t *testing.T) {
	ctx := context.Background()
	sender := newBlockingSender(errors.New("offline"))
	q, _ := newTestQueue(t, sender)

	sub, err := q.Capture(ctx, "/transactions/issue", []byte("a=1"), nil)
	require.NoError(t, err)

	done := make(chan *ReplayResult, 1)
	go func() {
		res, err := q.Replay(ctx)
		assert.NoError(t, err)
		done <- res
	}()
	<-sender.started

	require.NoError(t, q.Remove(ctx, sub.ID))
	close(sender.release)

	res := <-done
	require.NotNil(t, res)
	assert.Empty(t, res.Items)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	dead, err := q.Dead(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestConcurrentReplaysShareOneRun(t *testing.T) {
	sender := newBlockingSender(nil)
	q, _ := newTestQueue(t, sender)
	ctx := context.Background()

	_, err := q.Capture(ctx, "/transactions/issue", []byte("a=1"), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*ReplayResult, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := q.Replay(ctx)
			assert.NoError(t, err)
			results[i] = res
		}()
		if i == 0 {
			<-sender.started
		}
	}
	time.Sleep(20 * time.Millisecond)
	close(sender.release)
	wg.Wait()

	require.Equal(t, int32(1), sender.calls.Load())
	require.NotNil(t, results[0])
	require.Equal(t, 1, results[0].Count(Delivered))
}

func TestReplayCallerCancel(t *testing.T) {
	sender := newBlockingSender(nil)
	q, _ := newTestQueue(t, sender)

	_, err := q.Capture(context.Background(), "/transactions/issue", []byte("a=1"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Replay(ctx)
		done <- err
	}()
	<-sender.started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// The shared run still completes.
	close(sender.release)
	require.Eventually(t, func() bool {
		pending, err := q.Pending(context.Background())
		return err == nil && len(pending) == 0
	}, time.Second, 10*time.Millisecond)
}
