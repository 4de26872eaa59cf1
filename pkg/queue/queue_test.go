package queue

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"autoloc/pkg/metrics"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue() (*Queue, *time.Time) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	q := NewQueue(nil)
	q.now = func() time.Time { return now }
	return q, &now
}

func TestEnqueueDequeue(t *testing.T) {
	q, now := newTestQueue()

	later := NewRequest(http.MethodPost, "http://promotion/apply", nil, nil, 3)
	later.RetryAt = now.Add(time.Minute)
	due := NewRequest(http.MethodPost, "http://promotion/apply", nil, nil, 3)

	q.Enqueue(later)
	q.Enqueue(due)
	assert.Equal(t, 2, q.Size())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.RetryQueueDepth))
	assert.Equal(t, *now, due.RetryAt)

	assert.Equal(t, due, q.Dequeue())
	assert.Nil(t, q.Dequeue())

	*now = now.Add(time.Minute)
	assert.Equal(t, later, q.Dequeue())
	assert.Equal(t, 0, q.Size())
	assert.NotEqual(t, later.ID, due.ID)
}

func TestProcessDelivers(t *testing.T) {
	q, _ := newTestQueue()
	q.Enqueue(NewRequest(http.MethodPost, "u1", nil, nil, 3))
	q.Enqueue(NewRequest(http.MethodPost, "u2", nil, nil, 3))

	var sent []string
	q.Process(context.Background(), time.Second, func(_ context.Context, r *RetryRequest) error {
		sent = append(sent, r.URL)
		return nil
	})

	assert.Equal(t, []string{"u1", "u2"}, sent)
	assert.Equal(t, 0, q.Size())
}

func TestProcessBacksOff(t *testing.T) {
	q, now := newTestQueue()
	req := NewRequest(http.MethodPost, "u", nil, nil, 3)
	q.Enqueue(req)

	failing := func(context.Context, *RetryRequest) error { return errors.New("unavailable") }

	q.Process(context.Background(), 10*time.Second, failing)
	require.Equal(t, 1, q.Size())
	assert.Equal(t, 1, req.RetryCount)
	assert.Equal(t, now.Add(10*time.Second), req.RetryAt)

	*now = req.RetryAt
	q.Process(context.Background(), 10*time.Second, failing)
	assert.Equal(t, 2, req.RetryCount)
	assert.Equal(t, now.Add(20*time.Second), req.RetryAt)

	*now = req.RetryAt
	q.Process(context.Background(), 10*time.Second, failing)
	assert.Equal(t, 3, req.RetryCount)
	assert.Equal(t, 0, q.Size(), "dropped after max retries")
}

func TestProcessDropsPermanentFailures(t *testing.T) {
	q, _ := newTestQueue()
	q.Enqueue(NewRequest(http.MethodPost, "u", nil, nil, 5))

	q.Process(context.Background(), time.Second, func(context.Context, *RetryRequest) error {
		return &PermanentError{Status: http.StatusBadRequest}
	})
	assert.Equal(t, 0, q.Size())
}

func TestRunStopsOnCancel(t *testing.T) {
	q := NewQueue(nil)
	delivered := make(chan string, 1)
	q.Enqueue(NewRequest(http.MethodPost, "u", nil, nil, 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, 10*time.Millisecond, func(_ context.Context, r *RetryRequest) error {
			delivered <- r.URL
			return nil
		})
		close(done)
	}()

	select {
	case url := <-delivered:
		assert.Equal(t, "u", url)
	case <-time.After(2 * time.Second):
		t.Fatal("request was not delivered")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRestySender(t *testing.T) {
	var gotBody, gotUser string
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotUser = r.Header.Get("X-User-ID")
		w.WriteHeader(status)
	}))
	defer srv.Close()

	send := RestySender(resty.New())
	req := NewRequest(http.MethodPost, srv.URL+"/api/v1/promotions/apply",
		map[string]string{"Content-Type": "application/json", "X-User-ID": "3"},
		[]byte(`{"code":"WELCOME"}`), 3)

	require.NoError(t, send(context.Background(), req))
	assert.Equal(t, `{"code":"WELCOME"}`, gotBody)
	assert.Equal(t, "3", gotUser)

	status = http.StatusServiceUnavailable
	err := send(context.Background(), req)
	require.Error(t, err)
	var permanent *PermanentError
	assert.False(t, errors.As(err, &permanent))

	status = http.StatusConflict
	err = send(context.Background(), req)
	require.True(t, errors.As(err, &permanent))
	assert.Equal(t, http.StatusConflict, permanent.Status)
}
