// Package httpx holds the gin plumbing shared by the services: caller
// identity, error responses, paging and health checks.
package httpx

import (
	"net/http"
	"strconv"
	"time"

	"autoloc/pkg/contract"
	"autoloc/pkg/database"
	"autoloc/pkg/notification"
	"autoloc/pkg/promotion"
	"autoloc/pkg/rental"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	DefaultPageSize = 10
	MaxPageSize     = 100

	actorKey = "actor"
)

var ErrMissingIdentity = errors.New("X-User-ID and X-User-Role headers are required")

// RequestLogger logs one line per request once it is served.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= 500:
			log.Error("request", fields...)
		case c.Writer.Status() >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// ParseActor reads the caller identity set by the auth proxy.
func ParseActor(h http.Header) (rental.Actor, error) {
	rawID, rawRole := h.Get(HeaderUserID), h.Get(HeaderUserRole)
	if rawID == "" || rawRole == "" {
		return rental.Actor{}, ErrMissingIdentity
	}
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil || id == 0 {
		return rental.Actor{}, errors.Errorf("invalid %s %q", HeaderUserID, rawID)
	}
	role, ok := rental.ParseRole(rawRole)
	if !ok {
		return rental.Actor{}, errors.Errorf("invalid %s %q", HeaderUserRole, rawRole)
	}
	return rental.Actor{ID: uint(id), Role: role}, nil
}

// ActorHeaders are the headers that carry a caller to a downstream service.
func ActorHeaders(a rental.Actor) map[string]string {
	return map[string]string{
		HeaderUserID:   strconv.FormatUint(uint64(a.ID), 10),
		HeaderUserRole: string(a.Role),
	}
}

// RequireActor rejects requests without a caller identity.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := ParseActor(c.Request.Header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// CurrentActor returns the identity stored by RequireActor.
func CurrentActor(c *gin.Context) rental.Actor {
	if v, ok := c.Get(actorKey); ok {
		if a, ok := v.(rental.Actor); ok {
			return a
		}
	}
	a, _ := ParseActor(c.Request.Header)
	return a
}

// BindError answers a request whose body or query could not be bound.
func BindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"message": "validation error",
		"errors":  map[string]string{"request": err.Error()},
	})
}

// RespondError maps a domain error to its HTTP answer. Unknown errors are
// logged and hidden behind a 500.
func RespondError(c *gin.Context, log *zap.Logger, err error) {
	var (
		fields     rental.FieldErrors
		ineligible *promotion.IneligibleError
	)
	switch {
	case errors.As(err, &fields):
		c.JSON(http.StatusBadRequest, gin.H{"message": "validation error", "errors": fields})
	case errors.As(err, &ineligible):
		c.JSON(http.StatusBadRequest, gin.H{"error": ineligible.Error(), "code": ineligible.Code})
	case errors.Is(err, rental.ErrForbidden), errors.Is(err, promotion.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, rental.ErrInvalidTransition), errors.Is(err, contract.ErrNotContractable):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, rental.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, rental.ErrNotFound),
		errors.Is(err, promotion.ErrNotFound),
		errors.Is(err, notification.ErrNotFound),
		errors.Is(err, contract.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// Pagination reads page and size, falling back to 1 and DefaultPageSize.
func Pagination(c *gin.Context) (page, size int) {
	page, err := strconv.Atoi(c.Query("page"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err = strconv.Atoi(c.Query("size"))
	if err != nil || size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// ParamID parses a positive numeric path parameter.
func ParamID(c *gin.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, rental.FieldErrors{name: "must be a positive integer"}
	}
	return uint(id), nil
}

// Page is the envelope of paginated listings.
type Page struct {
	Page          int         `json:"page"`
	PageSize      int         `json:"pageSize"`
	TotalElements int64       `json:"totalElements"`
	Items         interface{} `json:"items"`
}

// Health reports UP while the database answers. A nil db only reports the
// process as alive.
func Health(db *gorm.DB, host string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			if err := database.Ping(c.Request.Context(), db); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "DOWN",
					"details": "Database ping failed",
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "UP",
			"details": "Host " + host + " is active",
		})
	}
}
