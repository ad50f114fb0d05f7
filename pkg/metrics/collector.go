package metrics

import (
	"context"
	"time"

	"github.com/molforge/molforge/pkg/db"
	"github.com/molforge/molforge/pkg/events"
	"github.com/molforge/molforge/pkg/log"
	"github.com/molforge/molforge/pkg/types"
)

// Collector refreshes the gauge metrics from the database and streams
// counter increments off the event broker
type Collector struct {
	db     *db.DB
	broker *events.Broker
	stopCh chan struct{}
}

// NewCollector creates a metrics collector
func NewCollector(database *db.DB, broker *events.Broker) *Collector {
	return &Collector{
		db:     database,
		broker: broker,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
	go c.consumeEvents()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.db.OptionalSession(ctx, nil, func(ses *db.Session) error {
		rows, err := ses.Tx.QueryxContext(ctx, `SELECT status, count(*) FROM records GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()

		seen := make(map[string]bool)
		for rows.Next() {
			var status string
			var count float64
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			RecordsTotal.WithLabelValues(status).Set(count)
			seen[status] = true
		}
		for _, status := range []types.RecordStatus{
			types.StatusWaiting, types.StatusRunning, types.StatusComplete,
			types.StatusError, types.StatusCancelled, types.StatusInvalid,
			types.StatusDeleted,
		} {
			if !seen[string(status)] {
				RecordsTotal.WithLabelValues(string(status)).Set(0)
			}
		}

		var waiting float64
		if err := ses.Tx.GetContext(ctx, &waiting,
			`SELECT count(*) FROM tasks WHERE claim_state = $1`, types.ClaimWaiting); err != nil {
			return err
		}
		TasksWaiting.Set(waiting)

		var running float64
		if err := ses.Tx.GetContext(ctx, &running,
			`SELECT count(*) FROM services s JOIN records r ON r.id = s.record_id WHERE r.status = $1`,
			types.StatusRunning); err != nil {
			return err
		}
		ServicesRunning.Set(running)

		var active float64
		if err := ses.Tx.GetContext(ctx, &active,
			`SELECT count(*) FROM managers WHERE active`); err != nil {
			return err
		}
		ManagersActive.Set(active)
		return nil
	})
	if err != nil {
		log.WithComponent("metrics").Error().Err(err).Msg("Metrics collection failed")
	}
}

func (c *Collector) consumeEvents() {
	sub := c.broker.Subscribe()
	defer c.broker.Unsubscribe(sub)

	for {
		select {
		case <-c.stopCh:
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			switch event.Type {
			case events.EventTaskClaimed:
				TasksClaimed.Inc()
			case events.EventTaskReturned:
				TasksReturned.WithLabelValues("returned").Inc()
			case events.EventRecordCompleted:
				TasksReturned.WithLabelValues("complete").Inc()
			case events.EventRecordErrored:
				TasksReturned.WithLabelValues("error").Inc()
			case events.EventTaskRequeued:
				TasksRequeued.Inc()
			case events.EventServiceIterated:
				ServiceIterations.Inc()
			case events.EventManagerLost:
				ManagersLost.Inc()
			}
		}
	}
}
