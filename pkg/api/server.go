// Package api exposes the versioned REST surface: credential flows,
// record submission and status mutation, dataset composition, the
// task queue endpoints for compute managers, and metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/molforge/molforge/pkg/auth"
	"github.com/molforge/molforge/pkg/datasets"
	"github.com/molforge/molforge/pkg/log"
	"github.com/molforge/molforge/pkg/managers"
	"github.com/molforge/molforge/pkg/metrics"
	"github.com/molforge/molforge/pkg/records"
	"github.com/molforge/molforge/pkg/tasks"
)

// Server wires the stores behind the REST routes
type Server struct {
	router   *gin.Engine
	auth     *auth.Store
	records  *records.Store
	tasks    *tasks.Queue
	datasets *datasets.Store
	managers *managers.Store

	httpServer *http.Server
}

// NewServer builds the router. Gin runs in release mode; logging goes
// through the shared zerolog logger.
func NewServer(
	authStore *auth.Store,
	recordStore *records.Store,
	taskQueue *tasks.Queue,
	datasetStore *datasets.Store,
	managerStore *managers.Store,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:   router,
		auth:     authStore,
		records:  recordStore,
		tasks:    taskQueue,
		datasets: datasetStore,
		managers: managerStore,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(s.observeRequest())

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.router.Group("/v1")

	// Credential flows
	v1.POST("/register", s.handleRegister)
	v1.POST("/login", s.handleLogin)
	v1.POST("/refresh", s.handleRefresh)
	v1.POST("/fresh-login", s.handleFreshLogin)

	authed := v1.Group("", s.requireAuth())

	// Records
	authed.POST("/records", s.handleSubmitRecords)
	authed.POST("/records/query", s.handleQueryRecords)
	authed.GET("/records/:id", s.handleGetRecord)
	authed.GET("/records/:id/history", s.handleRecordHistory)
	authed.GET("/records/:id/children", s.handleRecordChildren)
	authed.POST("/records/cancel", s.handleRecordMutation(mutCancel))
	authed.POST("/records/uncancel", s.handleRecordMutation(mutUncancel))
	authed.POST("/records/reset", s.handleRecordMutation(mutReset))
	authed.POST("/records/invalidate", s.handleRecordMutation(mutInvalidate))
	authed.POST("/records/uninvalidate", s.handleRecordMutation(mutUninvalidate))
	authed.POST("/records/delete", s.handleRecordMutation(mutDelete))
	authed.POST("/records/undelete", s.handleRecordMutation(mutUndelete))
	authed.POST("/records/harddelete", s.handleRecordMutation(mutHardDelete))
	authed.PATCH("/records", s.handleModifyRecords)

	// Datasets
	authed.GET("/datasets", s.handleListDatasets)
	authed.POST("/datasets/query", s.handleQueryDatasets)
	authed.GET("/datasets/:id", s.handleGetDataset)
	authed.DELETE("/datasets/:id", s.handleDeleteDataset)
	authed.POST("/datasets/query_dataset_records", s.handleQueryDatasetRecords)

	kinded := authed.Group("/datasets/:kind")
	kinded.POST("", s.handleAddDataset)
	kinded.GET("/:id", s.handleGetDatasetKinded)
	kinded.PATCH("/:id", s.handlePatchDataset)
	kinded.GET("/:id/status", s.handleDatasetStatus)
	kinded.GET("/:id/detailed_status", s.handleDatasetDetailedStatus)
	kinded.POST("/:id/submit", s.handleDatasetSubmit)
	kinded.GET("/:id/entries", s.handleDatasetEntries)
	kinded.POST("/:id/entries", s.handleDatasetAddEntries)
	kinded.POST("/:id/entries/bulkFetch", s.handleDatasetEntriesBulkFetch)
	kinded.POST("/:id/entries/bulkDelete", s.handleDatasetEntriesBulkDelete)
	kinded.PATCH("/:id/entries", s.handleDatasetRenameEntries)
	kinded.GET("/:id/specifications", s.handleDatasetSpecifications)
	kinded.POST("/:id/specifications", s.handleDatasetAddSpecifications)
	kinded.POST("/:id/specifications/bulkDelete", s.handleDatasetSpecificationsBulkDelete)
	kinded.PATCH("/:id/specifications", s.handleDatasetRenameSpecifications)
	kinded.GET("/:id/record_items", s.handleDatasetRecordItems)
	kinded.POST("/:id/record_items/bulkFetch", s.handleDatasetRecordItemsBulkFetch)
	kinded.POST("/:id/record_items/bulkDelete", s.handleDatasetRecordItemsBulkDelete)
	kinded.PATCH("/:id/records", s.handleDatasetModifyRecords)
	kinded.POST("/:id/records/revert", s.handleDatasetRevertRecords)

	// Task queue and manager lifecycle
	authed.POST("/tasks/claim", s.handleClaimTasks)
	authed.POST("/tasks/return", s.handleReturnTasks)
	authed.POST("/managers", s.handleActivateManager)
	authed.PATCH("/managers/:name", s.handleManagerHeartbeat)
	authed.DELETE("/managers/:name", s.handleDeactivateManager)
}

// Run serves until the context is cancelled
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("api").Info().Str("addr", addr).Msg("API server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Router exposes the gin engine for tests
func (s *Server) Router() http.Handler {
	return s.router
}
