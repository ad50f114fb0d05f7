package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/log"
	"github.com/molforge/molforge/pkg/metrics"
)

const claimsKey = "auth_claims"

// observeRequest records prometheus counters and access logs
func (s *Server) observeRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := strconv.Itoa(c.Writer.Status())
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, status).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method).Observe(elapsed.Seconds())

		log.WithComponent("api").Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", elapsed).
			Msg("Request handled")
	}
}

// requireAuth validates the bearer token and checks the role policy
// against the request
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			abortWithError(c, errs.NewAuthenticationFailure("missing bearer token"))
			return
		}
		claims, err := s.auth.VerifyAccess(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			abortWithError(c, err)
			return
		}

		action := "read"
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			action = "write"
		}
		if err := s.auth.Authorize(c.Request.Context(), claims.Role, action, resourcePrefix(c.Request.URL.Path)); err != nil {
			abortWithError(c, err)
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// resourcePrefix collapses a request path to its policy resource:
// /v1/datasets/neb/4/entries -> /v1/datasets
func resourcePrefix(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(parts) >= 2 {
		return "/" + parts[0] + "/" + parts[1]
	}
	return path
}

// abortWithError maps the error taxonomy onto HTTP statuses
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindAlreadyExists:
		status = http.StatusConflict
	case errs.KindMissingData:
		status = http.StatusNotFound
	case errs.KindInvalidTransition, errs.KindStaleClaim:
		status = http.StatusConflict
	case errs.KindAuthenticationFailure:
		status = http.StatusUnauthorized
	case errs.KindAuthorizationDenied:
		status = http.StatusForbidden
	case errs.KindMalformedRequest:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.WithComponent("api").Error().Err(err).Msg("Request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": err.Error(),
		"kind":  string(errs.KindOf(err)),
	})
}
