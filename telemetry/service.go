package telemetry

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrSensorNotFound signals a lookup or delete on an identifier that has no
// sensor row. Handlers map it to 404; it is never conflated with an empty
// result.
var ErrSensorNotFound = errors.New("sensor not found")

// ErrInvalidRequest wraps API body shape violations. Handlers map it to 422.
var ErrInvalidRequest = errors.New("invalid request")

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// UpsertSensorReq is the POST /api/sensors body. Optional fields left out of
// the body do not overwrite existing values.
type UpsertSensorReq struct {
	MAC       string   `json:"mac"`
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Battery   *float64 `json:"battery"`
}

// Validate checks the request shape before anything touches the store.
func (r *UpsertSensorReq) Validate() error {
	if r.MAC == "" {
		return fmt.Errorf("%w: mac is required", ErrInvalidRequest)
	}
	if !macPattern.MatchString(r.MAC) {
		return fmt.Errorf("%w: mac %q is not a colon-separated MAC address", ErrInvalidRequest, r.MAC)
	}
	return nil
}

// PressureStats aggregates over all measurements. MeanPressure is nil when
// there are no rows; never a division error.
type PressureStats struct {
	Count        int64    `json:"count"`
	MeanPressure *float64 `json:"mean_pressure"`
}

// TelemetryService is the query/mutation surface over the store. It shares
// the store with the bus subscriber as an equally privileged mutator and
// opens one transaction scope per call.
type TelemetryService struct {
	db *gorm.DB
}

func NewTelemetryService(db *gorm.DB) *TelemetryService {
	return &TelemetryService{
		db: db,
	}
}

// ListSensors returns all sensors in creation order.
func (s *TelemetryService) ListSensors(ctx context.Context) ([]Sensor, error) {
	var sensors []Sensor
	err := RunInScope(ctx, s.db, func(tx *gorm.DB) error {
		return tx.Order("id ASC").Find(&sensors).Error
	})
	return sensors, err
}

// GetSensor returns the sensor with the given external id, or
// ErrSensorNotFound.
func (s *TelemetryService) GetSensor(ctx context.Context, id uuid.UUID) (*Sensor, error) {
	var sensor Sensor
	err := RunInScope(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Where("uuid = ?", id).First(&sensor).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSensorNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sensor, nil
}

// UpsertSensor creates or updates a sensor keyed by its MAC address. The
// returned bool reports whether a new row was created. Shape validation
// happens before the scope opens, so a rejected body never writes anything.
func (s *TelemetryService) UpsertSensor(ctx context.Context, req UpsertSensorReq) (*Sensor, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	var sensor *Sensor
	var created bool
	err := RunInScope(ctx, s.db, func(tx *gorm.DB) error {
		var existing Sensor
		err := tx.Where("mac_address = ?", req.MAC).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			fresh := Sensor{
				MACAddress:   req.MAC,
				Name:         req.Name,
				Latitude:     req.Latitude,
				Longitude:    req.Longitude,
				BatteryLevel: req.Battery,
			}
			if fresh.Name == "" {
				fresh.Name = "Sensor " + req.MAC
			}
			if err := tx.Create(&fresh).Error; err != nil {
				// A bus message may race an API creation on the same MAC;
				// recover the winner's row instead of failing the request.
				if !isUniqueViolation(err) {
					return err
				}
				if err := tx.Where("mac_address = ?", req.MAC).First(&fresh).Error; err != nil {
					return err
				}
				sensor = &fresh
				return applyUpsertFields(tx, sensor, req)
			}
			sensor = &fresh
			created = true
			return nil
		case err != nil:
			return err
		default:
			sensor = &existing
			return applyUpsertFields(tx, sensor, req)
		}
	})
	if err != nil {
		return nil, false, err
	}
	return sensor, created, nil
}

func applyUpsertFields(tx *gorm.DB, sensor *Sensor, req UpsertSensorReq) error {
	updates := map[string]interface{}{}
	if req.Name != "" {
		sensor.Name = req.Name
		updates["name"] = req.Name
	}
	if req.Latitude != nil {
		sensor.Latitude = req.Latitude
		updates["latitude"] = *req.Latitude
	}
	if req.Longitude != nil {
		sensor.Longitude = req.Longitude
		updates["longitude"] = *req.Longitude
	}
	if req.Battery != nil {
		sensor.BatteryLevel = req.Battery
		updates["battery_level"] = *req.Battery
	}
	if len(updates) == 0 {
		return nil
	}
	return tx.Model(sensor).Updates(updates).Error
}

// DeleteSensor hard-deletes the sensor and cascades its measurements.
// Soft delete would leave the row in place and never fire the ON DELETE
// CASCADE, so the delete is unscoped on purpose.
func (s *TelemetryService) DeleteSensor(ctx context.Context, id uuid.UUID) error {
	return RunInScope(ctx, s.db, func(tx *gorm.DB) error {
		var sensor Sensor
		if err := tx.Where("uuid = ?", id).First(&sensor).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSensorNotFound
			}
			return err
		}
		return tx.Unscoped().Delete(&sensor).Error
	})
}

// ListMeasurements returns measurement history in insertion order,
// optionally filtered by sensor external id and capped at limit (0 = no
// cap). An unknown sensor id yields an empty list, not an error.
func (s *TelemetryService) ListMeasurements(ctx context.Context, sensorID *uuid.UUID, limit int) ([]Measurement, error) {
	var measurements []Measurement
	err := RunInScope(ctx, s.db, func(tx *gorm.DB) error {
		q := tx.Preload("Sensor").Order("id ASC")
		if sensorID != nil {
			var sensor Sensor
			if err := tx.Where("uuid = ?", *sensorID).First(&sensor).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					measurements = []Measurement{}
					return nil
				}
				return err
			}
			q = q.Where("sensor_id = ?", sensor.ID)
		}
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q.Find(&measurements).Error
	})
	return measurements, err
}

// RecentMeasurements returns up to limit of the newest measurements, newest
// first, for the websocket replay.
func (s *TelemetryService) RecentMeasurements(ctx context.Context, limit int) ([]Measurement, error) {
	var measurements []Measurement
	err := RunInScope(ctx, s.db, func(tx *gorm.DB) error {
		return tx.Preload("Sensor").Order("id DESC").Limit(limit).Find(&measurements).Error
	})
	return measurements, err
}

// Stats aggregates over all measurements.
func (s *TelemetryService) Stats(ctx context.Context) (*PressureStats, error) {
	var stats PressureStats
	err := RunInScope(ctx, s.db, func(tx *gorm.DB) error {
		return tx.Model(&Measurement{}).
			Select("COUNT(*) AS count, AVG(pressure) AS mean_pressure").
			Scan(&stats).Error
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
