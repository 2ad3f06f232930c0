// A sensor simulator publishing simulated status and pressure readings to
// the bus, for exercising the ingestion service end to end.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pArcill/drucklogger/telemetry"
)

type sensorStatus struct {
	MAC       string  `json:"mac"`
	Battery   float64 `json:"battery"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp string  `json:"timestamp"`
}

type measurementData struct {
	MAC       string  `json:"mac"`
	Pressure  float64 `json:"pressure"`
	Timestamp string  `json:"timestamp"`
}

type sensorSimulator struct {
	mac  string
	conn *nats.Conn
}

func (s *sensorSimulator) sendStatus() error {
	status := sensorStatus{
		MAC:       s.mac,
		Battery:   randRange(0.2, 1.0),
		Latitude:  47.8095 + randRange(-0.01, 0.01),
		Longitude: 13.0550 + randRange(-0.01, 0.01),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(telemetry.TopicStatus, payload); err != nil {
		return err
	}
	log.Printf("sensor %s sent status: battery=%.2f, location=(%.4f, %.4f)",
		s.mac, status.Battery, status.Latitude, status.Longitude)
	return nil
}

func (s *sensorSimulator) sendMeasurement() error {
	measurement := measurementData{
		MAC:       s.mac,
		Pressure:  randRange(980.0, 1050.0),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(measurement)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(telemetry.TopicMeasurement, payload); err != nil {
		return err
	}
	log.Printf("sensor %s sent measurement: %.2f hPa", s.mac, measurement.Pressure)
	return nil
}

func randRange(min, max float64) float64 {
	return min + rand.Float64()*(max-min)
}

func main() {
	var (
		natsURL      = flag.String("nats", envOr("NATS_URL", nats.DefaultURL), "bus URL")
		sensorCount  = flag.Int("sensors", 3, "number of simulated sensors")
		measureEvery = flag.Duration("measure-interval", 2*time.Second, "time between measurements per sensor")
		statusEvery  = flag.Duration("status-interval", 10*time.Second, "time between status updates per sensor")
	)
	flag.Parse()

	conn, err := nats.Connect(*natsURL, nats.Name("drucklogger-simulator"))
	if err != nil {
		log.Fatal("Failed to connect to bus:", err)
	}
	defer conn.Close()

	sensors := make([]*sensorSimulator, 0, *sensorCount)
	for i := 0; i < *sensorCount; i++ {
		sensors = append(sensors, &sensorSimulator{
			mac:  fmt.Sprintf("AA:BB:CC:00:11:%02X", i+0x22),
			conn: conn,
		})
	}
	log.Printf("simulating %d sensors against %s", len(sensors), *natsURL)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	measureTicker := time.NewTicker(*measureEvery)
	defer measureTicker.Stop()
	statusTicker := time.NewTicker(*statusEvery)
	defer statusTicker.Stop()

	for {
		select {
		case <-measureTicker.C:
			for _, s := range sensors {
				if err := s.sendMeasurement(); err != nil {
					log.Printf("[WARN] sensor %s measurement publish failed: %v", s.mac, err)
				}
			}
		case <-statusTicker.C:
			for _, s := range sensors {
				if err := s.sendStatus(); err != nil {
					log.Printf("[WARN] sensor %s status publish failed: %v", s.mac, err)
				}
			}
		case <-sigChan:
			log.Println("Shutdown signal received")
			return
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
