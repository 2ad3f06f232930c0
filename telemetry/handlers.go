package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

// TelemetryHandler adapts the query service to HTTP. Handlers are stateless;
// every request gets its own transaction scope inside the service.
type TelemetryHandler struct {
	service *TelemetryService
	hub     *StreamHub
}

func NewTelemetryHandler(s *TelemetryService, hub *StreamHub) *TelemetryHandler {
	return &TelemetryHandler{
		service: s,
		hub:     hub,
	}
}

func RegisterTelemetryRoutes(router fiber.Router, handler *TelemetryHandler) {
	router.Get("/sensors", handler.ListSensors)
	router.Post("/sensors", handler.UpsertSensor)
	router.Get("/sensors/:id", handler.GetSensor)
	router.Delete("/sensors/:id", handler.DeleteSensor)
	router.Get("/measurements", handler.ListMeasurements)
	router.Get("/stats", handler.Stats)
}

// SensorResponse is the JSON shape of a sensor with its latest known state.
type SensorResponse struct {
	ID        uuid.UUID `json:"id"`
	MAC       string    `json:"mac"`
	Name      string    `json:"name"`
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	Battery   *float64  `json:"battery"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newSensorResponse(s *Sensor) SensorResponse {
	return SensorResponse{
		ID:        s.UUID,
		MAC:       s.MACAddress,
		Name:      s.Name,
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Battery:   s.BatteryLevel,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// MeasurementResponse is the JSON shape of a single observation.
type MeasurementResponse struct {
	ID         uint      `json:"id"`
	SensorID   uuid.UUID `json:"sensor_id"`
	SensorName string    `json:"sensor_name"`
	Pressure   float64   `json:"pressure"`
	Timestamp  time.Time `json:"timestamp"`
}

func newMeasurementResponse(m *Measurement) MeasurementResponse {
	return MeasurementResponse{
		ID:         m.ID,
		SensorID:   m.Sensor.UUID,
		SensorName: m.Sensor.Name,
		Pressure:   m.Pressure,
		Timestamp:  m.RecordedAt,
	}
}

func (h *TelemetryHandler) ListSensors(c fiber.Ctx) error {
	sensors, err := h.service.ListSensors(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	resp := make([]SensorResponse, 0, len(sensors))
	for i := range sensors {
		resp = append(resp, newSensorResponse(&sensors[i]))
	}
	return c.JSON(resp)
}

func (h *TelemetryHandler) GetSensor(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid sensor id")
	}
	sensor, err := h.service.GetSensor(c.Context(), id)
	if err != nil {
		if errors.Is(err, ErrSensorNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "sensor not found")
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(newSensorResponse(sensor))
}

// UpsertSensor creates or updates a sensor from the request body. 201 on
// create, 200 on update, 422 on a shape violation with no partial write.
func (h *TelemetryHandler) UpsertSensor(c fiber.Ctx) error {
	req := new(UpsertSensorReq)
	if err := c.Bind().JSON(req); err != nil {
		return fiber.NewError(fiber.StatusUnprocessableEntity, "malformed request body")
	}
	sensor, created, err := h.service.UpsertSensor(c.Context(), *req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(newSensorResponse(sensor))
}

func (h *TelemetryHandler) DeleteSensor(c fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid sensor id")
	}
	if err := h.service.DeleteSensor(c.Context(), id); err != nil {
		if errors.Is(err, ErrSensorNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "sensor not found")
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListMeasurements returns measurement history, optionally filtered by
// ?sensor_id=. An unknown sensor id yields an empty list, never a 404.
func (h *TelemetryHandler) ListMeasurements(c fiber.Ctx) error {
	var sensorID *uuid.UUID
	if raw := c.Query("sensor_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid sensor_id")
		}
		sensorID = &id
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}

	measurements, err := h.service.ListMeasurements(c.Context(), sensorID, limit)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	resp := make([]MeasurementResponse, 0, len(measurements))
	for i := range measurements {
		resp = append(resp, newMeasurementResponse(&measurements[i]))
	}
	return c.JSON(resp)
}

func (h *TelemetryHandler) Stats(c fiber.Ctx) error {
	stats, err := h.service.Stats(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(stats)
}
