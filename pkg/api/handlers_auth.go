package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/log"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	user, err := s.auth.Register(c.Request.Context(), nil, req.Username, req.Password, req.Role)
	if err != nil {
		abortWithError(c, err)
		return
	}

	log.WithComponent("api").Info().Str("username", user.Username).Str("role", user.Role).Msg("User registered")
	c.JSON(http.StatusCreated, user)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	user, err := s.auth.Authenticate(c.Request.Context(), nil, req.Username, req.Password)
	if err != nil {
		abortWithError(c, err)
		return
	}

	tokens, err := s.auth.IssueTokens(user, false, nil)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

// handleFreshLogin mints a fresh access token directly from credentials.
// Fresh tokens carry caller-supplied additional claims; refresh never
// reproduces them.
func (s *Server) handleFreshLogin(c *gin.Context) {
	var req struct {
		Username         string                 `json:"username"`
		Password         string                 `json:"password"`
		AdditionalClaims map[string]interface{} `json:"additional_claims,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	user, err := s.auth.Authenticate(c.Request.Context(), nil, req.Username, req.Password)
	if err != nil {
		abortWithError(c, err)
		return
	}

	tokens, err := s.auth.IssueTokens(user, true, req.AdditionalClaims)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	tokens, err := s.auth.Refresh(c.Request.Context(), nil, req.RefreshToken)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}
