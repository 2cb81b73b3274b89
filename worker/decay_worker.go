package worker

import (
	"context"
	"log"
	"time"

	"cohortpulse/engine"
	"cohortpulse/models"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// staleAfter is how old a computed score may get before the decay sweep
// recomputes it. Scores also refresh synchronously on every interaction
// event, so the sweep only matters for silent users whose score should
// keep sliding toward its pattern base.
const staleAfter = time.Hour

type DecayWorker struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewDecayWorker(db *gorm.DB, logger *log.Logger) *DecayWorker {
	return &DecayWorker{DB: db, Logger: logger}
}

func (dw *DecayWorker) Start(ctx context.Context) {
	dw.Logger.Println("Decay worker started")

	c := cron.New()
	if _, err := c.AddFunc("@hourly", func() { dw.RefreshStale(ctx) }); err != nil {
		dw.Logger.Printf("Failed to schedule decay sweep: %v", err)
		return
	}
	c.Start()

	<-ctx.Done()
	dw.Logger.Println("Decay worker shutting down...")
	<-c.Stop().Done()
}

// RefreshStale recomputes every score whose last computation is older
// than the staleness threshold.
func (dw *DecayWorker) RefreshStale(ctx context.Context) {
	now := time.Now()
	cutoff := now.Add(-staleAfter)

	var scores []models.EngagementScore
	if err := dw.DB.WithContext(ctx).
		Where("computed_at < ?", cutoff).
		Find(&scores).Error; err != nil {
		dw.Logger.Printf("Error fetching stale scores: %v", err)
		return
	}

	refreshed := 0
	for _, score := range scores {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := engine.RefreshScore(dw.DB, score.UserID, now); err != nil {
			dw.Logger.Printf("Error refreshing score for user %d: %v", score.UserID, err)
			continue
		}
		refreshed++
	}

	if refreshed > 0 {
		dw.Logger.Printf("Decay sweep refreshed %d scores", refreshed)
	}
}
