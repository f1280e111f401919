package http

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/melih/termfleet/internal/core/ports"
)

// ProxyHandler routes <name>.<domain> to the published port of the running
// container called name.
type ProxyHandler struct {
	service ports.TerminalService
	domain  string
	// upstream is the host the published ports are reachable on.
	upstream string
	log      logrus.FieldLogger
}

// NewProxyHandler creates a new proxy handler for subdomains of domain.
func NewProxyHandler(service ports.TerminalService, domain, upstream string, log logrus.FieldLogger) *ProxyHandler {
	return &ProxyHandler{
		service:  service,
		domain:   strings.ToLower(strings.Trim(domain, ".")),
		upstream: upstream,
		log:      log.WithField("component", "proxy"),
	}
}

// ProxyRequest intercepts requests to subdomains and forwards them; any other
// host falls through to the API routes.
func (h *ProxyHandler) ProxyRequest(c *fiber.Ctx) error {
	name, ok := h.subdomain(c.Hostname())
	if !ok {
		return c.Next()
	}

	port, found, err := h.service.Resolve(c.UserContext(), name)
	if err != nil {
		h.log.WithError(err).WithField("name", name).Warn("Failed to resolve terminal")
		return c.Status(fiber.StatusBadGateway).SendString("Failed to list containers")
	}
	if !found {
		return c.Status(fiber.StatusNotFound).SendString(fmt.Sprintf("Terminal '%s' not found or not running", name))
	}

	remote := &url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", h.upstream, port)}
	proxy := httputil.NewSingleHostReverseProxy(remote)

	// The terminal expects its own host, not the public subdomain.
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = remote.Host
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.log.WithError(err).WithField("target", remote.Host).Warn("Proxy request failed")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("terminal unreachable"))
	}

	return adaptor.HTTPHandler(proxy)(c)
}

// subdomain returns the leftmost label when host is a direct subdomain of
// the proxy domain.
func (h *ProxyHandler) subdomain(host string) (string, bool) {
	host = strings.ToLower(host)
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}

	suffix := "." + h.domain
	if h.domain == "" || !strings.HasSuffix(host, suffix) {
		return "", false
	}

	name := strings.TrimSuffix(host, suffix)
	if name == "" || name == "www" || strings.Contains(name, ".") {
		return "", false
	}
	return name, true
}
