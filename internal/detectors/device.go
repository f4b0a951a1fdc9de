package detectors

import (
	"fmt"

	"github.com/veloxpay/sentinel/internal/events"
	"github.com/veloxpay/sentinel/pkg/models"
)

// DeviceReputation flags first-seen device fingerprints and devices the
// device_ip screen marked as bad. A new device alone is a weak signal; it
// matters when the fusion layer combines it with others.
type DeviceReputation struct{}

func (d *DeviceReputation) ID() string { return models.DetectorDevice }

func (d *DeviceReputation) Kinds() []events.Kind {
	return []events.Kind{events.KindTransaction, events.KindLogin, events.KindAPICall}
}

func (d *DeviceReputation) Evaluate(in *Input) *models.Signal {
	device := in.Event.Device()
	if device == "" {
		return nil
	}

	var (
		score   float64
		reasons []string
	)
	evidence := map[string]interface{}{"device": device}

	if in.Screening != nil {
		for i := range in.Screening.Results {
			res := &in.Screening.Results[i]
			if res.List != models.ListDeviceIP {
				continue
			}
			switch res.Status {
			case models.ScreeningConfirmedMatch:
				score = 0.9
				reasons = append(reasons, "device fingerprint on a confirmed bad-device list")
				evidence["list_provider"] = res.Provider
			case models.ScreeningPotentialMatch:
				if score < 0.6 {
					score = 0.6
					reasons = append(reasons, "device fingerprint partially matches a bad-device list")
					evidence["list_provider"] = res.Provider
				}
			}
		}
	}

	if in.Snapshot.NewDevice && score < 0.3 {
		score = 0.3
		reasons = append(reasons, fmt.Sprintf("first activity from device %s", device))
	}

	if score == 0 {
		return nil
	}
	return &models.Signal{
		DetectorID:  models.DetectorDevice,
		Category:    models.CategoryFraud,
		Severity:    severityFor(score),
		Score:       score,
		Confidence:  0.8,
		Description: joinReasons(reasons),
		Evidence:    evidence,
	}
}
