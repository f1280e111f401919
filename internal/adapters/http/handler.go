package http

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/melih/termfleet/internal/core/domain"
	"github.com/melih/termfleet/internal/core/ports"
)

// Defaults applied to provisioning requests that leave these fields out.
const (
	DefaultBalance = 1000.0
	DefaultBroker  = "Amarkets-Demo"
)

type ContainerHandler struct {
	service ports.TerminalService
	log     logrus.FieldLogger
}

func NewContainerHandler(service ports.TerminalService, log logrus.FieldLogger) *ContainerHandler {
	return &ContainerHandler{
		service: service,
		log:     log.WithField("component", "http"),
	}
}

// Register mounts the container routes on router.
func (h *ContainerHandler) Register(router fiber.Router) {
	containers := router.Group("/containers")
	containers.Post("/create", h.CreateContainer)
	containers.Get("/logs/:id", h.GetContainerLogs)
	containers.Put("/edit/:id", h.EditConfig)
	containers.Get("/meta5/password/change/:id", h.ChangePassword)
	containers.Get("/", h.ListContainers)
	containers.Get("/:id", h.GetContainer)
	containers.Delete("/:id", h.StopContainer)
}

type CreateContainerRequest struct {
	Username         string   `json:"username"`
	Password         string   `json:"password"`
	Balance          *float64 `json:"balance"`
	Broker           string   `json:"broker"`
	Email            string   `json:"email"`
	Phone            string   `json:"phone"`
	RiskPerTrade     *float64 `json:"risk_per_trade"`
	MaxDailyDrawdown *float64 `json:"max_daily_drawdown"`
	MaxTotalDrawdown *float64 `json:"max_total_drawdown"`
	MinTradeDuration *int     `json:"min_trade_duration"`
	MaxTradeDuration *int     `json:"max_trade_duration"`
	RunAutomation    bool     `json:"run_automation"`
	// Delay is the wait in seconds before account setup starts.
	Delay int `json:"delay"`
}

type UserResponse struct {
	Username    string             `json:"username"`
	Balance     float64            `json:"balance"`
	Credentials domain.Credentials `json:"credentials"`
}

type CreateContainerResponse struct {
	Message     string       `json:"msg"`
	ID          string       `json:"id"`
	User        UserResponse `json:"user"`
	Image       string       `json:"image"`
	Port        int          `json:"port"`
	URL         string       `json:"url"`
	TaskID      string       `json:"task_id,omitempty"`
	TimeCreated time.Time    `json:"time_created"`
}

func (h *ContainerHandler) CreateContainer(c *fiber.Ctx) error {
	var req CreateContainerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Username == "" || req.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "username and password are required",
		})
	}
	if req.Delay < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "delay must not be negative",
		})
	}

	balance := DefaultBalance
	if req.Balance != nil {
		balance = *req.Balance
	}
	broker := req.Broker
	if broker == "" {
		broker = DefaultBroker
	}

	result, err := h.service.Provision(c.UserContext(), domain.ProvisionRequest{
		Username:         req.Username,
		Password:         req.Password,
		Broker:           broker,
		Email:            req.Email,
		Phone:            req.Phone,
		Balance:          balance,
		RiskPerTrade:     req.RiskPerTrade,
		MaxDailyDrawdown: req.MaxDailyDrawdown,
		MaxTotalDrawdown: req.MaxTotalDrawdown,
		MinTradeDuration: req.MinTradeDuration,
		MaxTradeDuration: req.MaxTradeDuration,
		RunAutomation:    req.RunAutomation,
		Delay:            time.Duration(req.Delay) * time.Second,
	})
	if err != nil {
		return h.fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(CreateContainerResponse{
		Message: "Container created",
		ID:      result.Container.ID,
		User: UserResponse{
			Username:    result.Username,
			Balance:     result.Balance,
			Credentials: result.Credentials,
		},
		Image:       result.Container.Image,
		Port:        result.Container.Port,
		URL:         result.URL,
		TaskID:      result.TaskID,
		TimeCreated: result.Container.CreatedAt,
	})
}

func (h *ContainerHandler) ListContainers(c *fiber.Ctx) error {
	containers, err := h.service.List(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(containers)
}

func (h *ContainerHandler) GetContainer(c *fiber.Ctx) error {
	status, err := h.service.Status(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(status)
}

func (h *ContainerHandler) StopContainer(c *fiber.Ctx) error {
	id := c.Params("id")

	port, err := h.service.Stop(c.UserContext(), id)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{
		"msg":  "Container stopped",
		"id":   id,
		"port": port,
	})
}

func (h *ContainerHandler) GetContainerLogs(c *fiber.Ctx) error {
	logs, err := h.service.Logs(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendStream(logs)
}

// EditConfig accepts any subset of the user config fields.
func (h *ContainerHandler) EditConfig(c *fiber.Ctx) error {
	var patch domain.UserConfig
	if err := c.BodyParser(&patch); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	id := c.Params("id")
	if _, err := h.service.EditConfig(c.UserContext(), id, patch); err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{
		"msg": "Config updated",
		"id":  id,
	})
}

func (h *ContainerHandler) ChangePassword(c *fiber.Ctx) error {
	delay := 0
	if raw := c.Query("delay"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "delay must be a non-negative number of seconds",
			})
		}
		delay = d
	}

	id := c.Params("id")
	scheduled, err := h.service.ChangePassword(c.UserContext(), id, domain.PasswordChange{
		OldPassword: c.Query("old"),
		NewPassword: c.Query("new"),
		Delay:       time.Duration(delay) * time.Second,
	})
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{
		"msg":       "Password change requested",
		"id":        id,
		"scheduled": scheduled,
	})
}

// fail maps err to a response. Domain errors keep their status and message;
// anything else is reported as an upstream failure.
func (h *ContainerHandler) fail(c *fiber.Ctx, err error) error {
	var derr *domain.Error
	if errors.As(err, &derr) {
		status := derr.HTTPStatus()
		if status >= fiber.StatusInternalServerError {
			h.log.WithError(err).WithField("path", c.Path()).Warn("Request failed")
		}
		return c.Status(status).JSON(fiber.Map{
			"error": derr.Error(),
			"kind":  derr.Kind,
		})
	}

	h.log.WithError(err).WithField("path", c.Path()).Error("Request failed")
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
		"error": "upstream error: " + err.Error(),
	})
}
