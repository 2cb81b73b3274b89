package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"cohortpulse/models"
	"cohortpulse/utils"

	"gorm.io/gorm"
)

// Machine drives per-(user, sequence-type) nurture sequences. All state
// writes go through a version-checked UPDATE; a failed check means a
// concurrent worker already advanced the row and the loser no-ops.
type Machine struct {
	DB         *gorm.DB
	Dispatcher *Dispatcher
	Logger     *log.Logger

	// RetryWindow is how long a step waits after all channels failed
	// before the next attempt
	RetryWindow time.Duration
}

func NewMachine(db *gorm.DB, dispatcher *Dispatcher, logger *log.Logger) *Machine {
	return &Machine{
		DB:          db,
		Dispatcher:  dispatcher,
		Logger:      logger,
		RetryWindow: 4 * time.Hour,
	}
}

// Start begins a sequence for a user. Starting a type that already has
// an active or paused instance is a no-op; a finished instance is
// reactivated in place. The (user, type) unique index absorbs duplicate
// creates under concurrent triggers.
func (m *Machine) Start(ctx context.Context, userID uint, sequenceType string) (*models.SequenceState, error) {
	def, err := m.loadDefinition(sequenceType)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	firstFire := now.Add(stepDelay(def.Step(0)))

	var existing models.SequenceState
	err = m.DB.WithContext(ctx).
		Where("user_id = ? AND sequence_type = ?", userID, sequenceType).
		First(&existing).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		state := models.SequenceState{
			UserID:       userID,
			SequenceType: sequenceType,
			CurrentStep:  0,
			Status:       models.SequenceActive,
			NextFireAt:   &firstFire,
		}
		if createErr := m.DB.WithContext(ctx).Create(&state).Error; createErr != nil {
			if errors.Is(createErr, gorm.ErrDuplicatedKey) {
				// A concurrent start won the race; no-op
				return m.reload(ctx, userID, sequenceType)
			}
			return nil, createErr
		}
		utils.LogEvent("sequence_started", map[string]interface{}{
			"user_id":       userID,
			"sequence_type": sequenceType,
		})
		return &state, nil

	case err != nil:
		return nil, err

	case !existing.Terminal():
		// Already running or paused: the core invariant makes this a
		// no-op, not a duplicate
		return &existing, nil

	default:
		updateErr := m.casUpdate(ctx, &existing, map[string]interface{}{
			"status":           models.SequenceActive,
			"current_step":     0,
			"step_retry_count": 0,
			"next_fire_at":     firstFire,
		})
		if errors.Is(updateErr, ErrVersionConflict) {
			return m.reload(ctx, userID, sequenceType)
		}
		if updateErr != nil {
			return nil, updateErr
		}
		utils.LogEvent("sequence_restarted", map[string]interface{}{
			"user_id":       userID,
			"sequence_type": sequenceType,
		})
		return m.reload(ctx, userID, sequenceType)
	}
}

// Tick advances one sequence state if it is due. Exactly one of any
// number of concurrent ticks for the same state dispatches; the others
// lose the version claim and silently no-op.
func (m *Machine) Tick(ctx context.Context, stateID uint) error {
	var state models.SequenceState
	if err := m.DB.WithContext(ctx).First(&state, stateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	now := time.Now()
	if state.Status != models.SequenceActive || state.NextFireAt == nil || state.NextFireAt.After(now) {
		return nil
	}

	def, err := m.loadDefinition(state.SequenceType)
	if err != nil {
		return err
	}

	// Claim the firing before any network call: a concurrent tick for
	// the same state loses here and never dispatches
	if err := m.casUpdate(ctx, &state, map[string]interface{}{}); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil
		}
		return err
	}

	fireIdx := state.CurrentStep
	step := def.Step(fireIdx)
	if step == nil {
		return m.finish(ctx, &state, models.SequenceCompleted)
	}

	var user models.User
	if err := m.DB.WithContext(ctx).Preload("Preference").First(&user, state.UserID).Error; err != nil {
		return err
	}
	if user.Preference == nil {
		return fmt.Errorf("user %d has no communication preference", user.ID)
	}

	// Branch evaluation against the live score and snapshot
	if step.Branch != nil {
		matched, err := m.branchMatches(step.Branch, user.ID, now)
		if err != nil {
			return err
		}
		if matched {
			if alt := def.Step(step.Branch.Target); alt != nil {
				fireIdx = step.Branch.Target
				step = alt
			}
		}
	}

	_, dispatchErr := m.Dispatcher.Dispatch(ctx, &state, &user, user.Preference, step)
	if dispatchErr != nil {
		if errors.Is(dispatchErr, ErrAllChannelsDenied) {
			return m.deferStep(ctx, &state, now)
		}
		if errors.Is(dispatchErr, ErrAllChannelsFailed) {
			return m.rescheduleStep(ctx, &state, def, now)
		}
		return dispatchErr
	}

	nextIdx := fireIdx + 1
	if def.Step(nextIdx) == nil {
		return m.finish(ctx, &state, models.SequenceCompleted)
	}

	nextFire := now.Add(stepDelay(def.Step(nextIdx)))
	err = m.casUpdate(ctx, &state, map[string]interface{}{
		"current_step":     nextIdx,
		"step_retry_count": 0,
		"next_fire_at":     nextFire,
	})
	if errors.Is(err, ErrVersionConflict) {
		return nil
	}
	return err
}

// Pause freezes an active sequence. The current next-fire time is kept
// but ignored until resume.
func (m *Machine) Pause(ctx context.Context, stateID uint) error {
	var state models.SequenceState
	if err := m.DB.WithContext(ctx).First(&state, stateID).Error; err != nil {
		return err
	}
	if state.Status != models.SequenceActive {
		return nil
	}
	err := m.casUpdate(ctx, &state, map[string]interface{}{
		"status": models.SequencePaused,
	})
	if errors.Is(err, ErrVersionConflict) {
		return nil
	}
	return err
}

// Resume reactivates a paused sequence. The next fire is pushed out by
// the paused step's full delay so a returning user is never flooded
// with an immediate send.
func (m *Machine) Resume(ctx context.Context, stateID uint) error {
	var state models.SequenceState
	if err := m.DB.WithContext(ctx).First(&state, stateID).Error; err != nil {
		return err
	}
	if state.Status != models.SequencePaused {
		return nil
	}

	def, err := m.loadDefinition(state.SequenceType)
	if err != nil {
		return err
	}

	nextFire := time.Now().Add(stepDelay(def.Step(state.CurrentStep)))
	err = m.casUpdate(ctx, &state, map[string]interface{}{
		"status":       models.SequenceActive,
		"next_fire_at": nextFire,
	})
	if errors.Is(err, ErrVersionConflict) {
		return nil
	}
	return err
}

// Cancel terminally stops a sequence. Checked again on reload before
// every dispatch, so an in-flight tick that loses the race no-ops.
func (m *Machine) Cancel(ctx context.Context, stateID uint) error {
	var state models.SequenceState
	if err := m.DB.WithContext(ctx).First(&state, stateID).Error; err != nil {
		return err
	}
	if state.Terminal() {
		return nil
	}
	return m.finish(ctx, &state, models.SequenceCancelled)
}

// DueStates returns active states whose next fire time has passed.
func (m *Machine) DueStates(ctx context.Context, limit int) ([]models.SequenceState, error) {
	var states []models.SequenceState
	err := m.DB.WithContext(ctx).
		Where("status = ? AND next_fire_at IS NOT NULL AND next_fire_at <= ?", models.SequenceActive, time.Now()).
		Order("next_fire_at ASC").
		Limit(limit).
		Find(&states).Error
	return states, err
}

// deferStep pushes the current step into the retry window when the
// gate denied every channel. A paused or capped user is a preference
// state, not a failure, so the retry count stays untouched and the
// step fires once the denial lifts.
func (m *Machine) deferStep(ctx context.Context, state *models.SequenceState, now time.Time) error {
	nextFire := now.Add(m.RetryWindow)
	err := m.casUpdate(ctx, state, map[string]interface{}{
		"next_fire_at": nextFire,
	})
	if errors.Is(err, ErrVersionConflict) {
		return nil
	}
	return err
}

// rescheduleStep pushes the current step into the retry window after a
// total dispatch failure, auto-cancelling past the per-step retry cap.
func (m *Machine) rescheduleStep(ctx context.Context, state *models.SequenceState, def *models.SequenceDefinition, now time.Time) error {
	retries := state.StepRetryCount + 1
	if retries > def.MaxStepRetries {
		utils.LogError("sequence_exhausted", fmt.Errorf("step %d of %s failed %d times for user %d",
			state.CurrentStep, state.SequenceType, retries, state.UserID), map[string]interface{}{
			"user_id":       state.UserID,
			"sequence_type": state.SequenceType,
			"step":          state.CurrentStep,
		})
		return m.finish(ctx, state, models.SequenceCancelled)
	}

	nextFire := now.Add(m.RetryWindow)
	err := m.casUpdate(ctx, state, map[string]interface{}{
		"step_retry_count": retries,
		"next_fire_at":     nextFire,
	})
	if errors.Is(err, ErrVersionConflict) {
		return nil
	}
	return err
}

func (m *Machine) finish(ctx context.Context, state *models.SequenceState, status string) error {
	err := m.casUpdate(ctx, state, map[string]interface{}{
		"status":       status,
		"next_fire_at": nil,
	})
	if errors.Is(err, ErrVersionConflict) {
		return nil
	}
	if err == nil {
		utils.LogEvent("sequence_finished", map[string]interface{}{
			"user_id":       state.UserID,
			"sequence_type": state.SequenceType,
			"status":        status,
		})
	}
	return err
}

// casUpdate performs the optimistic-concurrency write: UPDATE ... WHERE
// id AND version. Zero rows affected means another worker got there
// first. On success the in-memory state tracks the new version.
func (m *Machine) casUpdate(ctx context.Context, state *models.SequenceState, fields map[string]interface{}) error {
	updates := map[string]interface{}{"version": state.Version + 1}
	for k, v := range fields {
		updates[k] = v
	}

	res := m.DB.WithContext(ctx).Model(&models.SequenceState{}).
		Where("id = ? AND version = ?", state.ID, state.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	state.Version++
	return nil
}

func (m *Machine) branchMatches(rule *models.BranchRule, userID uint, now time.Time) (bool, error) {
	snapshot, err := LatestSnapshot(m.DB, userID)
	if err != nil {
		return false, err
	}

	// Undefined pattern means insufficient data: risk-based branching
	// is skipped entirely
	if rule.WhenRiskFlag {
		if snapshot == nil || snapshot.Pattern == models.PatternUndefined {
			return false, nil
		}
		if snapshot.RiskFlag {
			return true, nil
		}
	}

	if rule.MinScore != nil {
		score, err := CurrentScore(m.DB, userID, now)
		if err != nil {
			return false, err
		}
		if score.Overall < *rule.MinScore {
			return true, nil
		}
	}

	return false, nil
}

// loadDefinition fetches and validates the sequence definition; any
// problem is a configuration error that fails fast and is never
// silently retried.
func (m *Machine) loadDefinition(sequenceType string) (*models.SequenceDefinition, error) {
	var def models.SequenceDefinition
	err := m.DB.Where("sequence_type = ? AND is_active = ?", sequenceType, true).First(&def).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no active definition for type %q", ErrBadDefinition, sequenceType)
	}
	if err != nil {
		return nil, err
	}
	if err := ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ValidateDefinition checks a sequence definition's steps before use.
func ValidateDefinition(def *models.SequenceDefinition) error {
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: %q has no steps", ErrBadDefinition, def.SequenceType)
	}
	for i, step := range def.Steps {
		if step.Index != i {
			return fmt.Errorf("%w: %q step %d has index %d", ErrBadDefinition, def.SequenceType, i, step.Index)
		}
		if err := utils.ValidateStruct(step); err != nil {
			return fmt.Errorf("%w: %q step %d: %v", ErrBadDefinition, def.SequenceType, i, err)
		}
		if step.Branch != nil && def.Step(step.Branch.Target) == nil {
			return fmt.Errorf("%w: %q step %d branches to missing step %d", ErrBadDefinition, def.SequenceType, i, step.Branch.Target)
		}
	}
	return nil
}

func stepDelay(step *models.SequenceStepDef) time.Duration {
	if step == nil {
		return 0
	}
	return time.Duration(step.DelayHours) * time.Hour
}

func (m *Machine) reload(ctx context.Context, userID uint, sequenceType string) (*models.SequenceState, error) {
	var state models.SequenceState
	err := m.DB.WithContext(ctx).
		Where("user_id = ? AND sequence_type = ?", userID, sequenceType).
		First(&state).Error
	if err != nil {
		return nil, err
	}
	return &state, nil
}
