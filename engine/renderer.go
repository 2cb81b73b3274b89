package engine

import (
	"fmt"

	"cohortpulse/models"

	"github.com/osteele/liquid"
)

// Renderer turns a step's liquid templates into a concrete message for
// one user. A template that fails to render is a configuration error.
type Renderer struct {
	engine *liquid.Engine
}

func NewRenderer() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// StepContext assembles the template bindings for a step firing.
func StepContext(user *models.User, score *models.EngagementScore, snapshot *models.AttendanceSnapshot) map[string]interface{} {
	name := ""
	if user.Name != nil {
		name = *user.Name
	}
	binding := map[string]interface{}{
		"user": map[string]interface{}{
			"name":  name,
			"email": user.Email,
		},
		"score": score.Overall,
	}
	if snapshot != nil {
		binding["pattern"] = snapshot.Pattern
		binding["streak"] = snapshot.CurrentStreak
		if snapshot.AttendanceRate != nil {
			binding["attendance_rate"] = *snapshot.AttendanceRate
		}
	}
	return binding
}

// RenderStep renders a step's subject and body against the bindings.
func (r *Renderer) RenderStep(step *models.SequenceStepDef, binding map[string]interface{}) (subject, body string, err error) {
	body, err = r.engine.ParseAndRenderString(step.Body, binding)
	if err != nil {
		return "", "", fmt.Errorf("%w: step %d body: %v", ErrBadDefinition, step.Index, err)
	}
	if step.Subject != "" {
		subject, err = r.engine.ParseAndRenderString(step.Subject, binding)
		if err != nil {
			return "", "", fmt.Errorf("%w: step %d subject: %v", ErrBadDefinition, step.Index, err)
		}
	}
	return subject, body, nil
}
