package telemetry

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Sensor is the identity record for a physical device, keyed externally by
// its MAC address. It is the single point of truth for the latest known
// location and battery level; both stay NULL until a status message (or an
// API body carrying them) arrives.
type Sensor struct {
	gorm.Model
	UUID         uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	MACAddress   string    `gorm:"size:17;uniqueIndex"`
	Name         string    `gorm:"size:100"`
	Latitude     *float64
	Longitude    *float64
	BatteryLevel *float64
}

func (s *Sensor) BeforeCreate(tx *gorm.DB) error {
	if s.UUID == uuid.Nil { // Only generate if not already set
		s.UUID = uuid.New()
	}
	return nil
}

// Measurement is an immutable pressure observation. RecordedAt is the time
// the observation was taken (from the message); gorm.Model's CreatedAt is
// the ingestion time.
type Measurement struct {
	gorm.Model
	SensorID   uint   `gorm:"not null;index"`
	Sensor     Sensor `gorm:"constraint:OnDelete:CASCADE"`
	Pressure   float64
	RecordedAt time.Time
}
