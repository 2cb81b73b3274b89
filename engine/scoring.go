package engine

import (
	"time"

	"cohortpulse/models"
)

const (
	// eventWindow is the trailing window of interaction events that
	// adjust the base score
	eventWindow = 14 * 24 * time.Hour

	// decayWindow is how long after the last event the adjustment takes
	// to decay back to the attendance-derived base
	decayWindow = 21 * 24 * time.Hour

	maxEventAdjust = 25
	scoreFloor     = 5
	scoreCeiling   = 100
	neutralScore   = 50
)

// basePatternScore maps an attendance pattern to its base score.
var basePatternScore = map[string]int{
	models.PatternPerfect:      90,
	models.PatternRegular:      70,
	models.PatternInconsistent: 45,
	models.PatternGhost:        15,
	models.PatternUndefined:    neutralScore,
}

// eventWeights values explicit replies above passive opens; bounces and
// complaints pull the score down.
var eventWeights = map[string]int{
	models.EventReplied:    8,
	models.EventClicked:    5,
	models.EventOpened:     2,
	models.EventBounced:    -10,
	models.EventComplained: -15,
}

// ComputeScore combines the attendance snapshot with recent interaction
// events into an EngagementScore. Deterministic for a given input set
// and asOf time. snapshot may be nil for a brand-new user.
func ComputeScore(snapshot *models.AttendanceSnapshot, events []models.InteractionEvent, userID uint, asOf time.Time) models.EngagementScore {
	pattern := models.PatternUndefined
	if snapshot != nil {
		pattern = snapshot.Pattern
	}
	base := basePatternScore[pattern]
	if base == 0 && pattern != "" {
		base = neutralScore
	}

	overall, factors := channelScore(base, events, nil, asOf)
	email, _ := channelScore(base, events, ptrChannel(models.ChannelEmail), asOf)
	chat, _ := channelScore(base, events, ptrChannel(models.ChannelChat), asOf)

	factors.Pattern = pattern
	factors.BaseScore = base

	return models.EngagementScore{
		UserID:     userID,
		Overall:    overall,
		EmailScore: email,
		ChatScore:  chat,
		ComputedAt: asOf,
		Factors:    factors,
	}
}

// channelScore applies the event adjustment and decay for one channel
// (nil channel = all channels).
func channelScore(base int, events []models.InteractionEvent, ch *models.Channel, asOf time.Time) (int, models.ScoreFactors) {
	adjust := 0
	count := 0
	var lastEvent time.Time

	for _, ev := range events {
		if ch != nil && ev.Channel != *ch {
			continue
		}
		if ev.OccurredAt.After(asOf) || asOf.Sub(ev.OccurredAt) > eventWindow {
			continue
		}
		adjust += eventWeights[ev.EventType]
		count++
		if ev.OccurredAt.After(lastEvent) {
			lastEvent = ev.OccurredAt
		}
	}

	if adjust > maxEventAdjust {
		adjust = maxEventAdjust
	}
	if adjust < -maxEventAdjust {
		adjust = -maxEventAdjust
	}

	// The adjustment fades linearly back to the base over 21 days of
	// silence
	decay := 1.0
	if count > 0 {
		silence := asOf.Sub(lastEvent)
		if silence >= decayWindow {
			decay = 0
		} else if silence > 0 {
			decay = 1 - float64(silence)/float64(decayWindow)
		}
	} else {
		decay = 0
	}

	score := base + int(float64(adjust)*decay)
	if score < scoreFloor {
		score = scoreFloor
	}
	if score > scoreCeiling {
		score = scoreCeiling
	}

	return score, models.ScoreFactors{
		EventAdjust:    adjust,
		DecayFactor:    decay,
		EventsInWindow: count,
	}
}

func ptrChannel(ch models.Channel) *models.Channel { return &ch }
