package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"autoloc/pkg/metrics"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type RetryRequest struct {
	ID         string
	Method     string
	URL        string
	Headers    map[string]string
	Body       []byte
	RetryAt    time.Time
	RetryCount int
	MaxRetries int
}

func NewRequest(method, url string, headers map[string]string, body []byte, maxRetries int) *RetryRequest {
	return &RetryRequest{
		ID:         uuid.NewString(),
		Method:     method,
		URL:        url,
		Headers:    headers,
		Body:       body,
		MaxRetries: maxRetries,
	}
}

// SendFunc delivers one request. A PermanentError stops further retries.
type SendFunc func(ctx context.Context, req *RetryRequest) error

// PermanentError marks a delivery that retrying cannot fix.
type PermanentError struct {
	Status int
}

func (e *PermanentError) Error() string {
	return "request rejected with status " + strconv.Itoa(e.Status)
}

type Queue struct {
	items []*RetryRequest
	mu    sync.Mutex
	now   func() time.Time
	log   *zap.Logger
}

func NewQueue(log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		items: make([]*RetryRequest, 0),
		now:   time.Now,
		log:   log,
	}
}

func (q *Queue) Enqueue(req *RetryRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if req.RetryAt.IsZero() {
		req.RetryAt = q.now()
	}
	q.items = append(q.items, req)
	metrics.RetryQueueDepth.Set(float64(len(q.items)))
}

// Dequeue removes and returns the first request that is due, or nil.
func (q *Queue) Dequeue() *RetryRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for i, req := range q.items {
		if !req.RetryAt.After(now) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			metrics.RetryQueueDepth.Set(float64(len(q.items)))
			return req
		}
	}
	return nil
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) GetAll() []*RetryRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]*RetryRequest, len(q.items))
	copy(result, q.items)
	return result
}

// Process sends every due request once. Failed requests are put back with
// exponential backoff from base until they run out of retries.
func (q *Queue) Process(ctx context.Context, base time.Duration, send SendFunc) {
	for {
		if ctx.Err() != nil {
			return
		}
		req := q.Dequeue()
		if req == nil {
			return
		}

		err := send(ctx, req)
		if err == nil {
			q.log.Info("retried request delivered",
				zap.String("id", req.ID),
				zap.String("url", req.URL),
				zap.Int("attempts", req.RetryCount+1),
			)
			continue
		}

		req.RetryCount++
		var permanent *PermanentError
		if errors.As(err, &permanent) || req.RetryCount >= req.MaxRetries {
			q.log.Error("dropping request",
				zap.String("id", req.ID),
				zap.String("url", req.URL),
				zap.Int("attempts", req.RetryCount),
				zap.Error(err),
			)
			continue
		}
		req.RetryAt = q.now().Add(base << uint(req.RetryCount-1))
		q.log.Warn("request failed, will retry",
			zap.String("id", req.ID),
			zap.String("url", req.URL),
			zap.Time("retry_at", req.RetryAt),
			zap.Error(err),
		)
		q.Enqueue(req)
	}
}

// Run calls Process every interval until ctx is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration, send SendFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			q.log.Info("retry worker stopped", zap.Int("pending", q.Size()))
			return
		case <-ticker.C:
			q.Process(ctx, interval, send)
		}
	}
}

// RestySender delivers requests with client. Server errors are retried,
// client errors are permanent.
func RestySender(client *resty.Client) SendFunc {
	return func(ctx context.Context, req *RetryRequest) error {
		resp, err := client.R().
			SetContext(ctx).
			SetHeaders(req.Headers).
			SetBody(req.Body).
			Execute(req.Method, req.URL)
		if err != nil {
			return errors.Wrapf(err, "%s %s", req.Method, req.URL)
		}
		switch {
		case resp.StatusCode() >= 500:
			return errors.Errorf("%s %s: status %d", req.Method, req.URL, resp.StatusCode())
		case resp.StatusCode() >= 400:
			return &PermanentError{Status: resp.StatusCode()}
		}
		return nil
	}
}
