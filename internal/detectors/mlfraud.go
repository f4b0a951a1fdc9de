package detectors

import (
	"fmt"

	"github.com/veloxpay/sentinel/internal/events"
	"github.com/veloxpay/sentinel/pkg/models"
)

// MLFraud passes an upstream model's fraud probability into the signal set
// so it competes in the fraud category during fusion. The engine does no
// inference itself.
type MLFraud struct{}

func (d *MLFraud) ID() string { return models.DetectorMLFraud }

func (d *MLFraud) Kinds() []events.Kind { return []events.Kind{events.KindTransaction} }

// mlFraudFloor is the probability below which the model's opinion adds
// nothing over the rule detectors.
const mlFraudFloor = 0.2

func (d *MLFraud) Evaluate(in *Input) *models.Signal {
	p := in.Event.FraudProbability()
	if p == nil || *p < mlFraudFloor {
		return nil
	}
	score := clamp01(*p)
	return &models.Signal{
		DetectorID:  models.DetectorMLFraud,
		Category:    models.CategoryFraud,
		Severity:    severityFor(score),
		Score:       score,
		Confidence:  score,
		Description: fmt.Sprintf("upstream model fraud probability %.2f", score),
		Evidence: map[string]interface{}{
			"fraud_probability": score,
		},
	}
}
