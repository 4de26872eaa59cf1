package main

import (
	"context"
	"net/http"
	"time"

	"autoloc/pkg/circuitbreaker"
	"autoloc/pkg/config"
	"autoloc/pkg/httpx"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// upstream is a downstream service reached through its own circuit breaker.
type upstream struct {
	name    string
	client  *resty.Client
	breaker *circuitbreaker.CircuitBreaker
}

func newUpstream(name, baseURL string, timeout time.Duration, cfg config.BreakerConfig, log *zap.Logger) *upstream {
	return &upstream{
		name:   name,
		client: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		breaker: circuitbreaker.New(name, cfg.MaxFailures, cfg.OpenTimeout, cfg.Window,
			circuitbreaker.WithLogger(log)),
	}
}

type call struct {
	method  string
	path    string
	query   string
	headers map[string]string
	body    interface{}
}

// send performs the call. Server errors count against the breaker but the
// response is still returned so it can be relayed.
func (u *upstream) send(ctx context.Context, cl call) (*resty.Response, error) {
	var resp *resty.Response
	err := u.breaker.Execute(func() error {
		req := u.client.R().SetContext(ctx).SetHeaders(cl.headers)
		if cl.query != "" {
			req.SetQueryString(cl.query)
		}
		if cl.body != nil {
			req.SetBody(cl.body)
		}
		r, err := req.Execute(cl.method, cl.path)
		if err != nil {
			return errors.Wrapf(err, "%s %s %s", u.name, cl.method, cl.path)
		}
		resp = r
		if r.StatusCode() >= http.StatusInternalServerError {
			return errors.Errorf("%s %s %s: status %d", u.name, cl.method, cl.path, r.StatusCode())
		}
		return nil
	}, nil)
	if resp != nil {
		return resp, nil
	}
	return nil, err
}

func (u *upstream) fallbackMessage() string {
	return u.name + " service unavailable"
}

// identity copies the caller headers the services authorize with.
func identity(c *gin.Context) map[string]string {
	headers := map[string]string{}
	for _, name := range []string{httpx.HeaderUserID, httpx.HeaderUserRole} {
		if v := c.GetHeader(name); v != "" {
			headers[name] = v
		}
	}
	return headers
}

// relay forwards the current request to u unchanged. On failure it answers
// 503 itself and returns false.
func relay(c *gin.Context, u *upstream) (*resty.Response, bool) {
	headers := identity(c)
	var body interface{}
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		raw, err := c.GetRawData()
		if err != nil {
			httpx.BindError(c, err)
			return nil, false
		}
		if len(raw) > 0 {
			body = raw
			headers["Content-Type"] = c.ContentType()
		}
	}

	resp, err := u.send(c.Request.Context(), call{
		method:  c.Request.Method,
		path:    c.Request.URL.Path,
		query:   c.Request.URL.RawQuery,
		headers: headers,
		body:    body,
	})
	if err != nil {
		unavailable(c, u, err)
		return nil, false
	}
	return resp, true
}

func unavailable(c *gin.Context, u *upstream, err error) {
	log.Warn("upstream call failed",
		zap.String("upstream", u.name),
		zap.String("path", c.Request.URL.Path),
		zap.String("breaker", u.breaker.GetState().String()),
		zap.Error(err),
	)
	c.JSON(http.StatusServiceUnavailable, gin.H{"message": u.fallbackMessage()})
}

var relayedHeaders = []string{"Location", "Content-Disposition", "X-Contract-SHA256"}

// writeResponse copies an upstream answer to the client.
func writeResponse(c *gin.Context, resp *resty.Response) {
	for _, name := range relayedHeaders {
		if v := resp.Header().Get(name); v != "" {
			c.Header(name, v)
		}
	}
	if resp.StatusCode() == http.StatusNoContent {
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(resp.StatusCode(), resp.Header().Get("Content-Type"), resp.Body())
}

// proxy relays the request to u and its answer back.
func proxy(u *upstream) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, ok := relay(c, u)
		if !ok {
			return
		}
		writeResponse(c, resp)
	}
}
