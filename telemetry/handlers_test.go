package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestApp(t *testing.T) (*fiber.App, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)

	app := fiber.New()
	api := app.Group("/api")
	RegisterTelemetryRoutes(api, NewTelemetryHandler(NewTelemetryService(db), NewStreamHub()))
	return app, db
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func seedMeasurement(t *testing.T, db *gorm.DB, mac string, pressure float64) {
	t.Helper()
	err := RunInScope(context.Background(), db, func(tx *gorm.DB) error {
		_, err := NewMeasurementRecorder(tx).Record(mac, pressure, time.Now().UTC())
		return err
	})
	require.NoError(t, err)
}

func TestCreateThenReadSensor(t *testing.T) {
	app, _ := newTestApp(t)

	// Unknown identifier is not-found, never an empty default.
	resp := doRequest(t, app, "GET", "/api/sensors/"+uuid.NewString(), "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, app, "POST", "/api/sensors", `{"mac":"AA:BB:CC:00:11:22","name":"Rooftop","latitude":47.8,"longitude":13.05,"battery":0.9}`)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	created := decodeJSON[SensorResponse](t, resp)
	assert.Equal(t, "AA:BB:CC:00:11:22", created.MAC)
	assert.Equal(t, "Rooftop", created.Name)
	require.NotNil(t, created.Battery)
	assert.Equal(t, 0.9, *created.Battery)

	resp = doRequest(t, app, "GET", "/api/sensors/"+created.ID.String(), "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	fetched := decodeJSON[SensorResponse](t, resp)
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, "Rooftop", fetched.Name)
}

func TestGetSensorInvalidID(t *testing.T) {
	app, _ := newTestApp(t)

	resp := doRequest(t, app, "GET", "/api/sensors/not-a-uuid", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestUpsertSensorRejectsBadInput(t *testing.T) {
	app, db := newTestApp(t)

	cases := []string{
		`{"name":"no mac"}`,
		`{"mac":"totally-wrong"}`,
		`{"mac":"AA:BB:CC:00:11"}`,
		`{not json`,
	}
	for _, body := range cases {
		resp := doRequest(t, app, "POST", "/api/sensors", body)
		assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode, body)
	}

	// Rejected bodies must not leave partial writes.
	var count int64
	require.NoError(t, db.Model(&Sensor{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestUpsertSensorUpdatesExisting(t *testing.T) {
	app, db := newTestApp(t)

	resp := doRequest(t, app, "POST", "/api/sensors", `{"mac":"AA:BB:CC:00:11:22"}`)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	created := decodeJSON[SensorResponse](t, resp)
	assert.Equal(t, "Sensor AA:BB:CC:00:11:22", created.Name)
	assert.Nil(t, created.Battery)

	resp = doRequest(t, app, "POST", "/api/sensors", `{"mac":"AA:BB:CC:00:11:22","name":"Renamed","battery":0.5}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	updated := decodeJSON[SensorResponse](t, resp)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "Renamed", updated.Name)
	require.NotNil(t, updated.Battery)
	assert.Equal(t, 0.5, *updated.Battery)

	var count int64
	require.NoError(t, db.Model(&Sensor{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestListSensorsCreationOrder(t *testing.T) {
	app, _ := newTestApp(t)

	doRequest(t, app, "POST", "/api/sensors", `{"mac":"AA:BB:CC:00:11:22"}`)
	doRequest(t, app, "POST", "/api/sensors", `{"mac":"AA:BB:CC:00:11:23"}`)

	resp := doRequest(t, app, "GET", "/api/sensors", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	sensors := decodeJSON[[]SensorResponse](t, resp)
	require.Len(t, sensors, 2)
	assert.Equal(t, "AA:BB:CC:00:11:22", sensors[0].MAC)
	assert.Equal(t, "AA:BB:CC:00:11:23", sensors[1].MAC)
}

func TestDeleteSensorCascadesMeasurements(t *testing.T) {
	app, db := newTestApp(t)

	seedMeasurement(t, db, testMAC, 1000.0)
	seedMeasurement(t, db, testMAC, 1010.0)

	var sensor Sensor
	require.NoError(t, db.Where("mac_address = ?", testMAC).First(&sensor).Error)

	resp := doRequest(t, app, "DELETE", "/api/sensors/"+sensor.UUID.String(), "")
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, app, "GET", "/api/sensors/"+sensor.UUID.String(), "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	// History for the deleted sensor is an empty list, not an error.
	resp = doRequest(t, app, "GET", "/api/measurements?sensor_id="+sensor.UUID.String(), "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	measurements := decodeJSON[[]MeasurementResponse](t, resp)
	assert.Empty(t, measurements)

	var count int64
	require.NoError(t, db.Model(&Measurement{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	// Deleting again is not-found.
	resp = doRequest(t, app, "DELETE", "/api/sensors/"+sensor.UUID.String(), "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestListMeasurementsFilterAndOrder(t *testing.T) {
	app, db := newTestApp(t)

	otherMAC := "AA:BB:CC:00:11:23"
	seedMeasurement(t, db, testMAC, 1000.0)
	seedMeasurement(t, db, otherMAC, 990.0)
	seedMeasurement(t, db, testMAC, 1010.0)

	resp := doRequest(t, app, "GET", "/api/measurements", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	all := decodeJSON[[]MeasurementResponse](t, resp)
	require.Len(t, all, 3)
	assert.Equal(t, 1000.0, all[0].Pressure)
	assert.Equal(t, 990.0, all[1].Pressure)
	assert.Equal(t, 1010.0, all[2].Pressure)

	var sensor Sensor
	require.NoError(t, db.Where("mac_address = ?", testMAC).First(&sensor).Error)

	resp = doRequest(t, app, "GET", "/api/measurements?sensor_id="+sensor.UUID.String(), "")
	filtered := decodeJSON[[]MeasurementResponse](t, resp)
	require.Len(t, filtered, 2)
	assert.Equal(t, 1000.0, filtered[0].Pressure)
	assert.Equal(t, 1010.0, filtered[1].Pressure)
	assert.Equal(t, sensor.UUID, filtered[0].SensorID)

	resp = doRequest(t, app, "GET", "/api/measurements?limit=1", "")
	limited := decodeJSON[[]MeasurementResponse](t, resp)
	assert.Len(t, limited, 1)

	// Unknown sensor filters to an empty list, not a 404.
	resp = doRequest(t, app, "GET", "/api/measurements?sensor_id="+uuid.NewString(), "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	empty := decodeJSON[[]MeasurementResponse](t, resp)
	assert.Empty(t, empty)

	resp = doRequest(t, app, "GET", "/api/measurements?sensor_id=not-a-uuid", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	app, db := newTestApp(t)

	// Zero measurements is a defined result, not a division error.
	resp := doRequest(t, app, "GET", "/api/stats", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	stats := decodeJSON[PressureStats](t, resp)
	assert.Equal(t, int64(0), stats.Count)
	assert.Nil(t, stats.MeanPressure)

	seedMeasurement(t, db, testMAC, 1000.0)
	seedMeasurement(t, db, testMAC, 1010.0)

	resp = doRequest(t, app, "GET", "/api/stats", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	stats = decodeJSON[PressureStats](t, resp)
	assert.Equal(t, int64(2), stats.Count)
	require.NotNil(t, stats.MeanPressure)
	assert.Equal(t, 1005.0, *stats.MeanPressure)
}
