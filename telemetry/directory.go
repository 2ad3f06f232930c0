package telemetry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"
)

// SensorDirectory reconciles sensor identity against the store. It is
// stateless: construct one per transaction scope around the scoped handle.
type SensorDirectory struct {
	tx *gorm.DB
}

func NewSensorDirectory(tx *gorm.DB) *SensorDirectory {
	return &SensorDirectory{tx: tx}
}

// ResolveOrCreate returns the sensor row for the given hardware identifier,
// creating it on first sight. Resolution is idempotent under concurrency:
// the insert is optimistic, and a loser of a first-sight race gets its
// unique-constraint violation swallowed and retried as a read-resolve. The
// pre-check read is an optimization only; the unique index is the authority.
func (d *SensorDirectory) ResolveOrCreate(mac string) (*Sensor, error) {
	var sensor Sensor
	err := d.tx.Where("mac_address = ?", mac).First(&sensor).Error
	if err == nil {
		return &sensor, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("resolving sensor %s: %w", mac, err)
	}
	return d.createOrRecover(mac)
}

// createOrRecover attempts the optimistic insert for an unseen hardware
// identifier. When a concurrent first-sight writer won the race, the unique
// index rejects this insert and the winner's row is returned instead.
func (d *SensorDirectory) createOrRecover(mac string) (*Sensor, error) {
	sensor := Sensor{
		MACAddress: mac,
		Name:       "Sensor " + mac,
	}
	err := d.tx.Create(&sensor).Error
	if err == nil {
		slog.Info("created sensor", "mac", mac, "id", sensor.UUID)
		return &sensor, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("creating sensor %s: %w", mac, err)
	}

	slog.Debug("sensor creation raced, re-resolving", "mac", mac)
	sensor = Sensor{}
	if err := d.tx.Where("mac_address = ?", mac).First(&sensor).Error; err != nil {
		return nil, fmt.Errorf("re-resolving sensor %s after race: %w", mac, err)
	}
	return &sensor, nil
}

// ApplyStatus resolves (or creates) the sensor and updates its latest known
// battery and location in place. Last write wins by arrival order; the
// timestamp embedded in the message is deliberately not consulted, so
// out-of-order status messages overwrite each other in delivery order. Known
// limitation, not corrected here.
func (d *SensorDirectory) ApplyStatus(mac string, battery, lat, lon float64) (*Sensor, error) {
	sensor, err := d.ResolveOrCreate(mac)
	if err != nil {
		return nil, err
	}

	sensor.BatteryLevel = &battery
	sensor.Latitude = &lat
	sensor.Longitude = &lon
	if err := d.tx.Model(sensor).Updates(map[string]interface{}{
		"battery_level": battery,
		"latitude":      lat,
		"longitude":     lon,
	}).Error; err != nil {
		return nil, fmt.Errorf("updating status of sensor %s: %w", mac, err)
	}
	return sensor, nil
}

// isUniqueViolation reports whether err is the store rejecting a duplicate
// hardware identifier. The string fallback covers drivers that predate
// GORM's error translation.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
