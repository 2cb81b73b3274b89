package worker

import (
	"context"
	"fmt"
	"log"
	"sync"

	"cohortpulse/engine"

	"github.com/robfig/cron/v3"
)

// dueBatchSize caps how many due states one sweep picks up.
const dueBatchSize = 500

// TickWorker periodically scans sequence states whose next fire time
// has passed and ticks them through a bounded worker pool. Work for the
// same (user, sequence-type) is serialized by the state machine's
// version check, not by locks here, so a slow transport call never
// blocks unrelated users.
type TickWorker struct {
	Machine *engine.Machine
	Logger  *log.Logger

	// IntervalMinutes is the sweep cadence; Workers bounds concurrent
	// tick dispatches
	IntervalMinutes int
	Workers         int
}

func NewTickWorker(machine *engine.Machine, intervalMinutes, workers int, logger *log.Logger) *TickWorker {
	if workers <= 0 {
		workers = 1
	}
	return &TickWorker{
		Machine:         machine,
		Logger:          logger,
		IntervalMinutes: intervalMinutes,
		Workers:         workers,
	}
}

func (tw *TickWorker) Start(ctx context.Context) {
	tw.Logger.Println("Tick worker started")

	c := cron.New()
	spec := fmt.Sprintf("@every %dm", tw.IntervalMinutes)
	if _, err := c.AddFunc(spec, func() { tw.ProcessDue(ctx) }); err != nil {
		tw.Logger.Printf("Failed to schedule tick sweep: %v", err)
		return
	}
	c.Start()

	<-ctx.Done()
	tw.Logger.Println("Tick worker shutting down...")
	<-c.Stop().Done()
}

// ProcessDue runs one sweep. Also called eagerly by the admin API and
// after meeting ingest, outside the periodic schedule.
func (tw *TickWorker) ProcessDue(ctx context.Context) {
	states, err := tw.Machine.DueStates(ctx, dueBatchSize)
	if err != nil {
		tw.Logger.Printf("Error fetching due sequence states: %v", err)
		return
	}
	if len(states) == 0 {
		return
	}

	sem := make(chan struct{}, tw.Workers)
	var wg sync.WaitGroup

	for _, state := range states {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(stateID uint) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := tw.Machine.Tick(ctx, stateID); err != nil {
				tw.Logger.Printf("Tick failed for state %d: %v", stateID, err)
			}
		}(state.ID)
	}

	wg.Wait()
}
