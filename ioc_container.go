package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"gorm.io/gorm"

	"github.com/pArcill/drucklogger/database"
	"github.com/pArcill/drucklogger/telemetry"
)

// IOC container
type Service struct {
	db      *gorm.DB
	bus     *telemetry.BusSubscriber
	queries *telemetry.TelemetryService
	hub     *telemetry.StreamHub
	appCtx  context.Context
	config  *AppConfig
}

type AppConfig struct {
	AppName     string
	HTTPAddr    string
	DBPath      string
	NATSURL     string
	AutoMigrate bool
}

func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName:     "Drucklogger",
		HTTPAddr:    envOr("HTTP_ADDR", ":8000"),
		DBPath:      envOr("DB_PATH", "drucklogger.db"),
		NATSURL:     envOr("NATS_URL", nats.DefaultURL),
		AutoMigrate: true,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type ServiceOption func(*Service) error

func NewService(ctx context.Context, opts ...ServiceOption) (*Service, error) {
	svc := &Service{
		config: DefaultConfig(),
		appCtx: ctx,
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	// Initialize database if not provided
	if svc.db == nil {
		db, err := database.InitDatabase(svc.config.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		svc.db = db
	}

	// Auto-migrate if enabled
	if svc.config.AutoMigrate {
		if err := database.AutoMigrate(svc.db, &telemetry.Sensor{}, &telemetry.Measurement{}); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	if svc.hub == nil {
		svc.hub = telemetry.NewStreamHub()
	}
	if svc.bus == nil {
		svc.bus = telemetry.NewBusSubscriber(svc.config.NATSURL, svc.db, telemetry.WithStreamHub(svc.hub))
	}
	svc.queries = telemetry.NewTelemetryService(svc.db)

	return svc, nil
}

func WithDatabase(db *gorm.DB) ServiceOption {
	return func(svc *Service) error {
		svc.db = db
		return nil
	}
}

func WithBusSubscriber(bus *telemetry.BusSubscriber) ServiceOption {
	return func(svc *Service) error {
		svc.bus = bus
		return nil
	}
}

func WithStreamHub(hub *telemetry.StreamHub) ServiceOption {
	return func(svc *Service) error {
		svc.hub = hub
		return nil
	}
}

func WithAppName(name string) ServiceOption {
	return func(svc *Service) error {
		svc.config.AppName = name
		return nil
	}
}

func WithHTTPAddr(addr string) ServiceOption {
	return func(svc *Service) error {
		svc.config.HTTPAddr = addr
		return nil
	}
}

func WithNATSURL(url string) ServiceOption {
	return func(svc *Service) error {
		svc.config.NATSURL = url
		return nil
	}
}
