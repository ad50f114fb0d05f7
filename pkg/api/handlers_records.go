package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/records"
	"github.com/molforge/molforge/pkg/types"
)

func paramID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, errs.NewMalformedRequest("invalid %s: %q", name, c.Param(name))
	}
	return id, nil
}

type submitRecordsRequest struct {
	Kind          types.RecordKind    `json:"kind"`
	Specification json.RawMessage     `json:"specification"`
	MoleculeSets  [][]*types.Molecule `json:"molecule_sets"`
	Tag           string              `json:"tag,omitempty"`
	Priority      types.Priority      `json:"priority,omitempty"`
}

type submitRecordsResponse struct {
	Meta types.InsertMetadata `json:"meta"`
	IDs  []int64              `json:"ids"`
}

func (s *Server) handleSubmitRecords(c *gin.Context) {
	var req submitRecordsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}
	if len(req.MoleculeSets) == 0 {
		abortWithError(c, errs.NewMalformedRequest("molecule_sets must not be empty"))
		return
	}

	meta, ids, err := s.records.Add(c.Request.Context(), nil,
		req.Kind, req.Specification, req.MoleculeSets, req.Tag, req.Priority)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, submitRecordsResponse{Meta: meta, IDs: ids})
}

func (s *Server) handleQueryRecords(c *gin.Context) {
	var filter records.QueryFilter
	if err := c.ShouldBindJSON(&filter); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	out, err := s.records.Query(c.Request.Context(), nil, &filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetRecord(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		abortWithError(c, err)
		return
	}

	record, err := s.records.GetOne(c.Request.Context(), nil, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	molIDs, err := s.records.MoleculeIDs(c.Request.Context(), nil, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": record, "molecule_ids": molIDs})
}

func (s *Server) handleRecordHistory(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		abortWithError(c, err)
		return
	}

	history, err := s.records.History(c.Request.Context(), nil, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (s *Server) handleRecordChildren(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		abortWithError(c, err)
		return
	}

	children, err := s.records.Children(c.Request.Context(), nil, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, children)
}

type recordMutation string

const (
	mutCancel       recordMutation = "cancel"
	mutUncancel     recordMutation = "uncancel"
	mutReset        recordMutation = "reset"
	mutInvalidate   recordMutation = "invalidate"
	mutUninvalidate recordMutation = "uninvalidate"
	mutDelete       recordMutation = "delete"
	mutUndelete     recordMutation = "undelete"
	mutHardDelete   recordMutation = "harddelete"
)

type recordMutationRequest struct {
	RecordIDs    []int64 `json:"record_ids"`
	WithChildren *bool   `json:"with_children,omitempty"`
}

// handleRecordMutation dispatches a status mutation over a set of
// records. Children are included by default.
func (s *Server) handleRecordMutation(mut recordMutation) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recordMutationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
			return
		}
		if len(req.RecordIDs) == 0 {
			abortWithError(c, errs.NewMalformedRequest("record_ids must not be empty"))
			return
		}
		withChildren := true
		if req.WithChildren != nil {
			withChildren = *req.WithChildren
		}

		ctx := c.Request.Context()
		var err error
		switch mut {
		case mutCancel:
			err = s.records.Cancel(ctx, nil, req.RecordIDs, withChildren)
		case mutUncancel:
			err = s.records.Uncancel(ctx, nil, req.RecordIDs, withChildren)
		case mutReset:
			err = s.records.Reset(ctx, nil, req.RecordIDs, withChildren)
		case mutInvalidate:
			err = s.records.Invalidate(ctx, nil, req.RecordIDs, withChildren)
		case mutUninvalidate:
			err = s.records.Uninvalidate(ctx, nil, req.RecordIDs, withChildren)
		case mutDelete:
			err = s.records.Delete(ctx, nil, req.RecordIDs, withChildren)
		case mutUndelete:
			err = s.records.Undelete(ctx, nil, req.RecordIDs, withChildren)
		case mutHardDelete:
			err = s.records.HardDelete(ctx, nil, req.RecordIDs, withChildren)
		default:
			err = errs.NewInternal("unknown record mutation %q", mut)
		}
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": len(req.RecordIDs)})
	}
}

type modifyRecordsRequest struct {
	RecordIDs []int64         `json:"record_ids"`
	Tag       *string         `json:"tag,omitempty"`
	Priority  *types.Priority `json:"priority,omitempty"`
	Comment   *string         `json:"comment,omitempty"`
}

func (s *Server) handleModifyRecords(c *gin.Context) {
	var req modifyRecordsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}
	if len(req.RecordIDs) == 0 {
		abortWithError(c, errs.NewMalformedRequest("record_ids must not be empty"))
		return
	}

	err := s.records.ModifyMetadata(c.Request.Context(), nil, req.RecordIDs, req.Tag, req.Priority, req.Comment)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": len(req.RecordIDs)})
}
