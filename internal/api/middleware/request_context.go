package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// RequestIDHeader carries the id of an API request in both directions.
	RequestIDHeader = "X-Conductor-Request-ID"
	// ForwardedRequestIDHeader is honored when a proxy in front already
	// assigned an id.
	ForwardedRequestIDHeader = "X-Request-ID"

	maxRequestIDLen = 64
)

type scopeKey struct{}

// requestScope is what the API knows about the request being served.
type requestScope struct {
	requestID string
	userID    string
	accountID string
}

func scopeFrom(ctx context.Context) requestScope {
	s, _ := ctx.Value(scopeKey{}).(requestScope)
	return s
}

// RequestID tags every request with an id. Inbound ids that are too long or
// carry characters outside [A-Za-z0-9._:-] are replaced.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" {
			rid = c.GetHeader(ForwardedRequestIDHeader)
		}
		if !validRequestID(rid) {
			id, _ := uuid.NewV7()
			rid = id.String()
		}
		c.Writer.Header().Set(RequestIDHeader, rid)
		scope := scopeFrom(c.Request.Context())
		scope.requestID = rid
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), scopeKey{}, scope))
		c.Next()
	}
}

func validRequestID(rid string) bool {
	if rid == "" || len(rid) > maxRequestIDLen {
		return false
	}
	for _, r := range rid {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == ':', r == '-':
		default:
			return false
		}
	}
	return true
}

// GetRequestID returns the id RequestID assigned, or "".
func GetRequestID(ctx context.Context) string {
	return scopeFrom(ctx).requestID
}

// SetUserContext records the authenticated caller on ctx.
func SetUserContext(ctx context.Context, userID, accountID string) context.Context {
	scope := scopeFrom(ctx)
	scope.userID, scope.accountID = userID, accountID
	return context.WithValue(ctx, scopeKey{}, scope)
}

func GetUserID(ctx context.Context) string { return scopeFrom(ctx).userID }

func GetAccountID(ctx context.Context) string { return scopeFrom(ctx).accountID }

// LogFields returns the request id and caller of ctx as log fields, leaving
// out what is unknown.
func LogFields(ctx context.Context) []zap.Field {
	scope := scopeFrom(ctx)
	var fields []zap.Field
	if scope.requestID != "" {
		fields = append(fields, zap.String("request_id", scope.requestID))
	}
	if scope.userID != "" {
		fields = append(fields, zap.String("user_id", scope.userID))
	}
	if scope.accountID != "" {
		fields = append(fields, zap.String("account_id", scope.accountID))
	}
	return fields
}
