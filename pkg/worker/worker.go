// Package worker runs a compute manager: it activates against the
// server, claims matching tasks, executes them through a pluggable
// executor and returns the results.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/molforge/molforge/pkg/client"
	"github.com/molforge/molforge/pkg/log"
	"github.com/molforge/molforge/pkg/types"
)

// Executor runs one claimed task to completion. Implementations wrap
// the actual compute programs (quantum chemistry engines, test stubs).
type Executor interface {
	Execute(ctx context.Context, task *types.Task) (*types.TaskResult, error)
}

// Config holds worker configuration
type Config struct {
	Name        string
	ClusterName string
	Programs    []string
	Tags        []string
	Cores       int
	MemoryBytes int64

	// Concurrency caps tasks executing at once; ClaimInterval paces
	// the pull loop
	Concurrency       int
	ClaimInterval     time.Duration
	HeartbeatInterval time.Duration
}

// Worker is a compute manager instance
type Worker struct {
	cfg      Config
	client   *client.Client
	executor Executor

	stopCh chan struct{}
	wg     sync.WaitGroup
	sem    chan struct{}
}

// New creates a worker. Zero config fields get defaults.
func New(cfg Config, apiClient *client.Client, executor Executor) (*Worker, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("worker name must not be empty")
	}
	if len(cfg.Programs) == 0 {
		return nil, fmt.Errorf("worker must advertise at least one program")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}

	return &Worker{
		cfg:      cfg,
		client:   apiClient,
		executor: executor,
		stopCh:   make(chan struct{}),
		sem:      make(chan struct{}, cfg.Concurrency),
	}, nil
}

// Start logs in, activates the manager and launches the heartbeat and
// claim loops
func (w *Worker) Start(ctx context.Context) error {
	if err := w.client.Login(ctx); err != nil {
		return err
	}

	err := w.client.ActivateManager(ctx, &types.Manager{
		Name:        w.cfg.Name,
		ClusterName: w.cfg.ClusterName,
		Programs:    w.cfg.Programs,
		Tags:        w.cfg.Tags,
		Cores:       w.cfg.Cores,
		MemoryBytes: w.cfg.MemoryBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to activate manager: %w", err)
	}

	log.WithManager(w.cfg.Name).Info().
		Strs("programs", w.cfg.Programs).
		Int("concurrency", w.cfg.Concurrency).
		Msg("Worker activated")

	w.wg.Add(2)
	go w.heartbeatLoop()
	go w.claimLoop()
	return nil
}

// Stop drains in-flight tasks and deactivates the manager so its
// remaining claims requeue immediately
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.client.DeactivateManager(ctx, w.cfg.Name); err != nil {
		log.WithManager(w.cfg.Name).Warn().Err(err).Msg("Failed to deactivate manager")
	}
	log.WithManager(w.cfg.Name).Info().Msg("Worker stopped")
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := w.client.Heartbeat(ctx, w.cfg.Name); err != nil {
				log.WithManager(w.cfg.Name).Warn().Err(err).Msg("Heartbeat failed")
			}
			cancel()
		}
	}
}

func (w *Worker) claimLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.claimOnce()
		}
	}
}

// claimOnce pulls up to the free slot count and dispatches each task
// to its own goroutine
func (w *Worker) claimOnce() {
	free := cap(w.sem) - len(w.sem)
	if free == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	tasks, err := w.client.ClaimTasks(ctx, w.cfg.Name, free)
	cancel()
	if err != nil {
		log.WithManager(w.cfg.Name).Warn().Err(err).Msg("Claim failed")
		return
	}

	for _, task := range tasks {
		w.sem <- struct{}{}
		w.wg.Add(1)
		go func(task *types.Task) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.runTask(task)
		}(task)
	}
}

func (w *Worker) runTask(task *types.Task) {
	logger := log.WithManager(w.cfg.Name)
	logger.Debug().Int64("record_id", task.RecordID).Str("function", task.Function).Msg("Executing task")

	ctx := context.Background()
	result, err := w.executor.Execute(ctx, task)
	if err != nil {
		result = &types.TaskResult{
			Success:      false,
			ErrorType:    "execution_error",
			ErrorMessage: err.Error(),
		}
	}

	claimToken := ""
	if task.ClaimToken != nil {
		claimToken = *task.ClaimToken
	}

	returnCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	outcomes, err := w.client.ReturnTasks(returnCtx, []client.TaskReturn{{
		RecordID:   task.RecordID,
		ClaimToken: claimToken,
		Result:     result,
	}})
	if err != nil {
		logger.Error().Err(err).Int64("record_id", task.RecordID).Msg("Failed to return task")
		return
	}
	for _, outcome := range outcomes {
		if !outcome.Accepted {
			logger.Warn().Int64("record_id", outcome.RecordID).Str("error", outcome.Error).Msg("Result rejected")
		}
	}
	logger.Debug().Int64("record_id", task.RecordID).Bool("success", result.Success).Msg("Task returned")
}
