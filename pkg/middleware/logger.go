package middleware

import (
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appcontext"
)

// Logger emits one access log line per request. It runs after Context, so
// the request id and tenant are already in the request context and the
// WithContext adapter picks them up alongside the explicit fields.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			res := c.Response()
			start := time.Now()

			if err = next(c); err != nil {
				c.Error(err)
			}

			ctx := c.Request().Context()
			fields := map[string]any{
				"request_id":    appcontext.GetRequestID(ctx),
				"method":        req.Method,
				"route":         c.Path(),
				"uri":           req.RequestURI,
				"status":        res.Status,
				"remote_ip":     c.RealIP(),
				"user_agent":    req.UserAgent(),
				"response_time": time.Since(start).String(),
				"response_size": res.Size,
			}
			if tenantID := appcontext.GetTenantID(ctx); tenantID != "" {
				fields["tenant_id"] = tenantID
			}

			entry := logger.WithContext(ctx).WithFields(fields)
			if res.Status >= 500 {
				entry.Error("Request")
			} else {
				entry.Info("Request")
			}

			return nil
		}
	}
}
