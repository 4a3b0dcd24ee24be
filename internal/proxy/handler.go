package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/gateway"
	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/server"
)

const (
	headerCache = "X-Shellgate-Cache"
	headerClass = "X-Shellgate-Class"
)

// Gateway 是 Handler 依赖的离线缓存网关，*gateway.Controller 满足该接口。
type Gateway interface {
	Respond(ctx context.Context, req *http.Request, network gateway.Network) (*gateway.Response, error)
}

// Handler 把客户端请求翻译为上游请求：GET 交给网关执行缓存策略，其余方法直接透传。
type Handler struct {
	gateway Gateway
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler backed by the gateway controller.
func NewHandler(gw Gateway, logger *logrus.Logger) *Handler {
	return &Handler{
		gateway: gw,
		logger:  logger,
	}
}

// Handle 执行一次代理请求，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	upstreamURL := resolveUpstreamURL(route.UpstreamURL, c)
	req, err := h.buildUpstreamRequest(c, upstreamURL, route, c.Method(), bytesReader(c.Body()))
	if err != nil {
		h.logResult(route, upstreamURL.String(), requestID, "", gateway.SourceBypass, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	if c.Method() == http.MethodGet && h.gateway != nil {
		resp, err := h.gateway.Respond(requestContext(c), req, routeNetwork(route))
		switch {
		case err == nil:
			return h.writeResponse(c, route, upstreamURL.String(), resp, requestID, started)
		case errors.Is(err, gateway.ErrNoActiveWorker), errors.Is(err, gateway.ErrNotIntercepted):
			// 尚无 active Worker 时按普通反向代理处理
		default:
			h.logResult(route, upstreamURL.String(), requestID, "", "", 0, started, err)
			return h.writeError(c, fiber.StatusBadGateway, "network_failed")
		}
	}

	return h.passthrough(c, route, req, requestID, started)
}

// passthrough 直接转发请求并流式返回，不读不写缓存。
func (h *Handler) passthrough(c fiber.Ctx, route *server.OriginRoute, req *http.Request, requestID string, started time.Time) error {
	upstreamURL := req.URL.String()
	client := routeNetwork(route)
	resp, err := client.Do(req)
	if err != nil {
		h.logResult(route, upstreamURL, requestID, "", gateway.SourceBypass, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(headerCache, string(gateway.SourceBypass))
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, upstreamURL, requestID, "", gateway.SourceBypass, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, upstreamURL, requestID, "", gateway.SourceBypass, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeResponse(
	c fiber.Ctx,
	route *server.OriginRoute,
	upstreamURL string,
	resp *gateway.Response,
	requestID string,
	started time.Time,
) error {
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(headerCache, string(resp.Source))
	c.Set(headerClass, resp.Class)
	setRequestIDHeader(c, requestID)
	c.Status(resp.Status)

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, upstreamURL, requestID, resp.Class, resp.Source, resp.Status, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("response stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(
	c fiber.Ctx,
	upstream *url.URL,
	route *server.OriginRoute,
	method string,
	body io.Reader,
) (*http.Request, error) {
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(requestContext(c), method, upstream.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", routePort(route))

	if authHeader := buildCredentialHeader(route.Config.Username, route.Config.Password); authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	setRequestIDHeader(c, server.RequestID(c))
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.OriginRoute,
	upstream string,
	requestID string,
	class string,
	source gateway.Source,
	status int,
	started time.Time,
	err error,
) {
	if h.logger == nil {
		return
	}
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Config.AuthMode(),
		class,
		string(source),
		source == gateway.SourceCache || source == gateway.SourceFallback,
	)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func routeNetwork(route *server.OriginRoute) *http.Client {
	if route != nil && route.Client != nil {
		return route.Client
	}
	return http.DefaultClient
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	trailing := strings.HasSuffix(raw, "/") && raw != "/"
	clean := path.Clean("/" + raw)
	if trailing {
		clean += "/"
	}
	return clean
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

// resolveUpstreamURL 将客户端路径与查询串挂到 Origin 的上游地址上。
func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return base.ResolveReference(relative)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func routePort(route *server.OriginRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}

func buildCredentialHeader(username, password string) string {
	if username == "" || password == "" {
		return ""
	}
	token := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(token))
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}
