package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/molforge/molforge/pkg/datasets"
	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/types"
)

// kindedDataset resolves the :kind/:id pair, rejecting an id that
// belongs to a dataset of another kind
func (s *Server) kindedDataset(c *gin.Context) (*types.Dataset, error) {
	id, err := paramID(c, "id")
	if err != nil {
		return nil, err
	}
	ds, err := s.datasets.Get(c.Request.Context(), nil, id)
	if err != nil {
		return nil, err
	}
	if ds.Kind != types.RecordKind(c.Param("kind")) {
		return nil, errs.NewMissingData("dataset %d is not of kind %s", id, c.Param("kind"))
	}
	return ds, nil
}

func (s *Server) handleListDatasets(c *gin.Context) {
	out, err := s.datasets.List(c.Request.Context(), nil)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleQueryDatasets(c *gin.Context) {
	var filter datasets.QueryFilter
	if err := c.ShouldBindJSON(&filter); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	out, err := s.datasets.Query(c.Request.Context(), nil, &filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetDataset(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		abortWithError(c, err)
		return
	}
	ds, err := s.datasets.Get(c.Request.Context(), nil, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ds)
}

func (s *Server) handleDeleteDataset(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.datasets.Delete(c.Request.Context(), nil, id); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleQueryDatasetRecords(c *gin.Context) {
	var req struct {
		RecordIDs []int64 `json:"record_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	out, err := s.datasets.QueryDatasetRecords(c.Request.Context(), nil, req.RecordIDs)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleAddDataset(c *gin.Context) {
	var ds types.Dataset
	if err := c.ShouldBindJSON(&ds); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}
	ds.Kind = types.RecordKind(c.Param("kind"))

	id, err := s.datasets.Add(c.Request.Context(), nil, &ds)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleGetDatasetKinded(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ds)
}

func (s *Server) handlePatchDataset(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var update types.Dataset
	if err := c.ShouldBindJSON(&update); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}
	if err := s.datasets.UpdateMetadata(c.Request.Context(), nil, ds.ID, &update); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": ds.ID})
}

func (s *Server) handleDatasetStatus(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	status, err := s.datasets.Status(c.Request.Context(), nil, ds.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleDatasetDetailedStatus(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	rows, err := s.datasets.DetailedStatus(c.Request.Context(), nil, ds.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

type datasetSubmitRequest struct {
	EntryNames         []string        `json:"entry_names,omitempty"`
	SpecificationNames []string        `json:"specification_names,omitempty"`
	Tag                string          `json:"tag,omitempty"`
	Priority           *types.Priority `json:"priority,omitempty"`
}

func (s *Server) handleDatasetSubmit(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req datasetSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	created, err := s.datasets.Submit(c.Request.Context(), nil, ds.ID,
		req.EntryNames, req.SpecificationNames, req.Tag, req.Priority)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"created": created})
}

func (s *Server) handleDatasetEntries(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	entries, err := s.datasets.Entries(c.Request.Context(), nil, ds.ID, nil)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

type newDatasetEntry struct {
	Name       string          `json:"name"`
	Comment    string          `json:"comment,omitempty"`
	Molecule   *types.Molecule `json:"molecule"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

func (s *Server) handleDatasetAddEntries(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req []newDatasetEntry
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	entries := make([]*types.DatasetEntry, len(req))
	mols := make([]*types.Molecule, len(req))
	for i, e := range req {
		if e.Molecule == nil {
			abortWithError(c, errs.NewMalformedRequest("entry %s has no molecule", e.Name))
			return
		}
		entries[i] = &types.DatasetEntry{Name: e.Name, Comment: e.Comment, Attributes: e.Attributes}
		mols[i] = e.Molecule
	}

	meta, err := s.datasets.AddEntryMolecules(c.Request.Context(), nil, ds.ID, entries, mols)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

type namesRequest struct {
	Names         []string `json:"names"`
	DeleteRecords bool     `json:"delete_records,omitempty"`
}

func (s *Server) handleDatasetEntriesBulkFetch(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req namesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	entries, err := s.datasets.Entries(c.Request.Context(), nil, ds.ID, req.Names)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleDatasetEntriesBulkDelete(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req namesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	if err := s.datasets.DeleteEntries(c.Request.Context(), nil, ds.ID, req.Names, req.DeleteRecords); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": len(req.Names)})
}

type renameRequest struct {
	Renames map[string]string `json:"renames"`
}

func (s *Server) handleDatasetRenameEntries(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	if err := s.datasets.RenameEntries(c.Request.Context(), nil, ds.ID, req.Renames); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"renamed": len(req.Renames)})
}

func (s *Server) handleDatasetSpecifications(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	dspecs, err := s.datasets.Specifications(c.Request.Context(), nil, ds.ID, nil)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dspecs)
}

type newDatasetSpecification struct {
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Specification json.RawMessage `json:"specification"`
}

func (s *Server) handleDatasetAddSpecifications(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req []newDatasetSpecification
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	dspecs := make([]*types.DatasetSpecification, len(req))
	contents := make([]json.RawMessage, len(req))
	for i, d := range req {
		dspecs[i] = &types.DatasetSpecification{Name: d.Name, Description: d.Description}
		contents[i] = d.Specification
	}

	meta, err := s.datasets.AddSpecifications(c.Request.Context(), nil, ds.ID, ds.Kind, dspecs, contents)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) handleDatasetSpecificationsBulkDelete(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req namesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	if err := s.datasets.DeleteSpecifications(c.Request.Context(), nil, ds.ID, req.Names, req.DeleteRecords); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": len(req.Names)})
}

func (s *Server) handleDatasetRenameSpecifications(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	if err := s.datasets.RenameSpecifications(c.Request.Context(), nil, ds.ID, req.Renames); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"renamed": len(req.Renames)})
}

type recordItemsRequest struct {
	EntryNames         []string `json:"entry_names,omitempty"`
	SpecificationNames []string `json:"specification_names,omitempty"`
	DeleteRecords      bool     `json:"delete_records,omitempty"`
}

func (s *Server) handleDatasetRecordItems(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	items, err := s.datasets.RecordItems(c.Request.Context(), nil, ds.ID, nil, nil)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) handleDatasetRecordItemsBulkFetch(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req recordItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	items, err := s.datasets.RecordItems(c.Request.Context(), nil, ds.ID, req.EntryNames, req.SpecificationNames)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) handleDatasetRecordItemsBulkDelete(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req recordItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	err = s.datasets.DeleteRecordItems(c.Request.Context(), nil, ds.ID,
		req.EntryNames, req.SpecificationNames, req.DeleteRecords)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// itemRecords resolves a (entry names x specification names) slice of a
// dataset to the record ids behind it
func (s *Server) itemRecords(c *gin.Context, datasetID int64, entryNames, specNames []string) ([]int64, error) {
	items, err := s.datasets.RecordItems(c.Request.Context(), nil, datasetID, entryNames, specNames)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool)
	var ids []int64
	for _, item := range items {
		if !seen[item.RecordID] {
			seen[item.RecordID] = true
			ids = append(ids, item.RecordID)
		}
	}
	return ids, nil
}

type datasetModifyRecordsRequest struct {
	EntryNames         []string        `json:"entry_names,omitempty"`
	SpecificationNames []string        `json:"specification_names,omitempty"`
	Tag                *string         `json:"tag,omitempty"`
	Priority           *types.Priority `json:"priority,omitempty"`
	Comment            *string         `json:"comment,omitempty"`
}

func (s *Server) handleDatasetModifyRecords(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req datasetModifyRecordsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	ids, err := s.itemRecords(c, ds.ID, req.EntryNames, req.SpecificationNames)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if len(ids) == 0 {
		c.JSON(http.StatusOK, gin.H{"updated": 0})
		return
	}

	err = s.records.ModifyMetadata(c.Request.Context(), nil, ids, req.Tag, req.Priority, req.Comment)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": len(ids)})
}

type datasetRevertRecordsRequest struct {
	EntryNames         []string       `json:"entry_names,omitempty"`
	SpecificationNames []string       `json:"specification_names,omitempty"`
	Operation          recordMutation `json:"operation"`
}

// handleDatasetRevertRecords applies a status mutation to the records
// behind a slice of a dataset
func (s *Server) handleDatasetRevertRecords(c *gin.Context) {
	ds, err := s.kindedDataset(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var req datasetRevertRecordsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errs.NewMalformedRequest("invalid request body: %v", err))
		return
	}

	ids, err := s.itemRecords(c, ds.ID, req.EntryNames, req.SpecificationNames)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if len(ids) == 0 {
		c.JSON(http.StatusOK, gin.H{"updated": 0})
		return
	}

	ctx := c.Request.Context()
	switch req.Operation {
	case mutCancel:
		err = s.records.Cancel(ctx, nil, ids, true)
	case mutUncancel:
		err = s.records.Uncancel(ctx, nil, ids, true)
	case mutReset:
		err = s.records.Reset(ctx, nil, ids, true)
	case mutInvalidate:
		err = s.records.Invalidate(ctx, nil, ids, true)
	case mutUninvalidate:
		err = s.records.Uninvalidate(ctx, nil, ids, true)
	case mutDelete:
		err = s.records.Delete(ctx, nil, ids, true)
	case mutUndelete:
		err = s.records.Undelete(ctx, nil, ids, true)
	default:
		err = errs.NewMalformedRequest("unknown revert operation %q", req.Operation)
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": len(ids)})
}
