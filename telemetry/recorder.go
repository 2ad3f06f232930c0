package telemetry

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// MeasurementRecorder appends pressure observations. Like the directory it
// is constructed per transaction scope and holds no state of its own.
type MeasurementRecorder struct {
	tx *gorm.DB
}

func NewMeasurementRecorder(tx *gorm.DB) *MeasurementRecorder {
	return &MeasurementRecorder{tx: tx}
}

// Record resolves the owning sensor (creating it if this measurement arrives
// before any status message) and inserts an immutable measurement row.
// Identical (sensor, timestamp, pressure) tuples are NOT deduplicated:
// delivery is at-least-once and the wire format carries no idempotency key,
// so duplicate rows are an accepted cost.
func (r *MeasurementRecorder) Record(mac string, pressure float64, observedAt time.Time) (*Measurement, error) {
	sensor, err := NewSensorDirectory(r.tx).ResolveOrCreate(mac)
	if err != nil {
		return nil, err
	}

	m := Measurement{
		SensorID:   sensor.ID,
		Pressure:   pressure,
		RecordedAt: observedAt,
	}
	if err := r.tx.Create(&m).Error; err != nil {
		return nil, fmt.Errorf("recording measurement for sensor %s: %w", mac, err)
	}
	// Attached after Create so GORM does not try to save the association.
	m.Sensor = *sensor
	return &m, nil
}
