package server

import (
	"math"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/NickB03/vana-sub003/authz"
	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/session"
)

const principalKey = "principal"

// authenticate resolves the bearer token and asks the policy whether the
// principal may call the matched route.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := s.opts.Tokens.Authenticate(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return s.fail(c, err)
		}
		if err := s.opts.Policy.Authorize(c.Request().Context(), p, c.Request().Method, c.Path()); err != nil {
			return s.fail(c, err)
		}
		c.Set(principalKey, p)
		return next(c)
	}
}

// rateLimit runs ahead of authenticate. Known tokens are throttled per
// principal; unknown or missing tokens share their client IP's bucket.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.opts.Limiter == nil {
			return next(c)
		}
		key := "ip:" + c.RealIP()
		if p, err := s.opts.Tokens.Authenticate(c.Request().Header.Get(echo.HeaderAuthorization)); err == nil {
			key = "principal:" + p.Subject
		}
		if err := s.opts.Limiter.Allow(key); err != nil {
			return s.fail(c, err)
		}
		return next(c)
	}
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			args := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency_ms", v.Latency.Milliseconds()}
			if v.Error != nil {
				args = append(args, "error", v.Error.Error())
			}
			s.opts.Logger.Debug("http.request", args...)
			return nil
		},
	})
}

func principal(c echo.Context) (authz.Principal, bool) {
	p, ok := c.Get(principalKey).(authz.Principal)
	return p, ok
}

// credentials are what the session binding checks for this request.
func credentials(c echo.Context) session.Credentials {
	p, _ := principal(c)
	return session.Credentials{
		Token:     p.Token,
		ClientIP:  c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	}
}

// retryAfterSeconds rounds d up to whole seconds, at least one.
func retryAfterSeconds(err *core.RateLimitedError) string {
	secs := int(math.Ceil(err.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

