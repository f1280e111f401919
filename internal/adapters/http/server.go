package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// NewApp builds the fiber application. proxy may be nil.
func NewApp(handler *ContainerHandler, proxy *ProxyHandler, log logrus.FieldLogger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "termfleet",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(requestLogger(log.WithField("component", "http")))

	if proxy != nil {
		app.Use(proxy.ProxyRequest)
	}

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"msg": "termfleet terminal provisioning API"})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	handler.Register(app)

	return app
}

func requestLogger(log logrus.FieldLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()
		log.WithFields(logrus.Fields{
			"method": c.Method(),
			"path":   c.Path(),
			"status": c.Response().StatusCode(),
		}).Debug("Request handled")
		return err
	}
}
