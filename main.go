package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pArcill/drucklogger/telemetry"
)

func main() {
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	setupShutdownListener(appCancel)

	svc, err := NewService(appCtx)
	if err != nil {
		log.Fatal("Failed to initialize service:", err)
	}

	if err := svc.bus.Start(); err != nil {
		log.Fatal("Failed to start bus subscriber:", err)
	}

	app := fiber.New(fiber.Config{
		AppName: svc.config.AppName,
	})

	mapRoutes(app, svc)

	go func() {
		<-appCtx.Done()
		log.Println("Shutting down...")
		svc.bus.Close()
		// Let in-flight requests finish before the process exits.
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
	}()

	if err := app.Listen(svc.config.HTTPAddr); err != nil {
		log.Fatal(err)
	}
}

func setupShutdownListener(appCancel context.CancelFunc) {
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutdown signal received")
		appCancel()
	}()
}

func mapRoutes(app *fiber.App, svc *Service) {
	app.Use(logger.New())
	app.Use(recover.New())
	// The dashboard is served from a different origin.
	app.Use(cors.New())

	app.Get("/", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "Sensor Data API is running",
		})
	})

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":        "ok",
			"bus_state":     svc.bus.State().String(),
			"bus_connected": svc.bus.IsConnected(),
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	handler := telemetry.NewTelemetryHandler(svc.queries, svc.hub)
	app.Get("/ws", handler.Stream)

	api := app.Group("/api")
	telemetry.RegisterTelemetryRoutes(api, handler)
}
