package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/gateway"
	"github.com/shellgate/shellgate/internal/server"
	"github.com/shellgate/shellgate/internal/version"
)

// Controller 是控制面需要的 gateway.Controller 子集，便于测试替换。
type Controller interface {
	Status() gateway.Status
	Caches(ctx context.Context) ([]gateway.StoreInfo, error)
	PostMessage(ctx context.Context, msg gateway.Message) error
}

// ControlOptions 汇总控制面依赖；Gatherer 为空时不注册 /-/metrics。
type ControlOptions struct {
	Controller Controller
	Registry   *server.OriginRegistry
	Gatherer   prometheus.Gatherer
	Logger     *logrus.Logger
}

// RegisterControlRoutes 暴露 /-/status、/-/caches、/-/message、/-/metrics。
func RegisterControlRoutes(app *fiber.App, opts ControlOptions) {
	if app == nil || opts.Controller == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		status := opts.Controller.Status()
		return c.JSON(fiber.Map{
			"version": version.Full(),
			"active":  status.Active,
			"waiting": status.Waiting,
			"origins": encodeOrigins(opts.Registry.List()),
		})
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		infos, err := opts.Controller.Caches(requestContext(c))
		if err != nil {
			logFailure(opts.Logger, "list_caches", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "caches_unavailable"})
		}
		current := ""
		for _, info := range infos {
			if info.Current {
				current = info.Name
			}
		}
		return c.JSON(fiber.Map{"caches": infos, "current": current})
	})

	app.Post("/-/message", func(c fiber.Ctx) error {
		var msg gateway.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil || strings.TrimSpace(msg.Type) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		err := opts.Controller.PostMessage(requestContext(c), msg)
		switch {
		case err == nil:
			return c.JSON(fiber.Map{"result": "activated", "active": opts.Controller.Status().Active})
		case errors.Is(err, gateway.ErrUnknownMessage):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_message"})
		case errors.Is(err, gateway.ErrNothingWaiting):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "nothing_waiting"})
		default:
			logFailure(opts.Logger, "skip_waiting", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "activate_failed"})
		}
	})

	if opts.Gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

type originPayload struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Upstream string `json:"upstream"`
	Shell    bool   `json:"shell"`
	AuthMode string `json:"auth_mode"`
	Proxied  bool   `json:"proxied"`
}

func encodeOrigins(routes []server.OriginRoute) []originPayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]originPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, originPayload{
			Name:     route.Config.Name,
			Domain:   route.Config.Domain,
			Upstream: route.Config.Upstream,
			Shell:    route.Shell,
			AuthMode: route.Config.AuthMode(),
			Proxied:  route.ProxyURL != nil,
		})
	}
	return result
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func logFailure(logger *logrus.Logger, action string, err error) {
	if logger == nil {
		return
	}
	logger.WithField("action", action).WithError(err).Error("control_request_failed")
}
