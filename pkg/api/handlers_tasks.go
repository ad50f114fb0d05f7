package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/types"
)

type claimTasksRequest struct {
	ManagerName string `json:"manager_name"`
	Limit       int    `json:"limit,omitempty"`
}

func (s *Server) handleClaimTasks(c *gin.Context) {
	var req claimTasksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}
	if req.Limit <= 0 {
		req.Limit = 1
	}

	claimed, err := s.tasks.Claim(c.Request.Context(), nil, req.ManagerName, req.Limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, claimed)
}

type taskReturn struct {
	RecordID   int64             `json:"record_id"`
	ClaimToken string            `json:"claim_token"`
	Result     *types.TaskResult `json:"result"`
}

type taskReturnOutcome struct {
	RecordID int64  `json:"record_id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// handleReturnTasks accepts a batch of results. Each return is its own
// transaction so one stale claim does not reject the rest.
func (s *Server) handleReturnTasks(c *gin.Context) {
	var req []taskReturn
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	outcomes := make([]taskReturnOutcome, len(req))
	for i, ret := range req {
		outcomes[i].RecordID = ret.RecordID
		if ret.Result == nil {
			outcomes[i].Error = "missing result"
			continue
		}
		err := s.tasks.Return(c.Request.Context(), nil, ret.RecordID, ret.ClaimToken, ret.Result)
		if err != nil {
			outcomes[i].Error = err.Error()
			continue
		}
		outcomes[i].Accepted = true
	}
	c.JSON(http.StatusOK, outcomes)
}

func (s *Server) handleActivateManager(c *gin.Context) {
	var mgr types.Manager
	if err := c.ShouldBindJSON(&mgr); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	if err := s.managers.Activate(c.Request.Context(), nil, &mgr); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": mgr.Name, "active": true})
}

func (s *Server) handleManagerHeartbeat(c *gin.Context) {
	name := c.Param("name")
	if err := s.managers.Heartbeat(c.Request.Context(), nil, name); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "active": true})
}

func (s *Server) handleDeactivateManager(c *gin.Context) {
	name := c.Param("name")
	if err := s.managers.Deactivate(c.Request.Context(), nil, name); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "active": false})
}
