// Package router is the front-end dispatcher: it recognizes sandbox preview
// URLs by hostname or path pattern and forwards them to the sandbox's control
// plane, which relays to the exposed port inside the container.
package router

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"sandboxd/internal/config"
	"sandboxd/internal/logging"
)

// ProvisioningBody is the 503 body emitted while a sandbox instance is not
// reachable. Clients key their cold-start retry on this exact phrase.
const ProvisioningBody = "There is no Container instance available"

var (
	subdomainPrefix = regexp.MustCompile(`^(\d+)-([A-Za-z0-9-]+)\.`)
	subdomainLabel  = regexp.MustCompile(`^(\d+)-([A-Za-z0-9-]+)$`)
	previewPattern  = regexp.MustCompile(`^/preview/(\d+)/([^/]+)(/.*)?$`)
)

// Route is a recognized sandbox target.
type Route struct {
	Port    int
	Sandbox string
	Path    string
}

// Router dispatches by URL pattern to sandbox control planes.
type Router struct {
	cfg     *config.Config
	target  *url.URL
	proxy   *httputil.ReverseProxy
	blocked []string
	log     *zap.Logger
}

// New builds a router from config. SandboxAddr must be a URL.
func New(cfg *config.Config) (*Router, error) {
	target, err := url.Parse(cfg.SandboxAddr)
	if err != nil {
		return nil, fmt.Errorf("parse sandbox address %q: %w", cfg.SandboxAddr, err)
	}

	r := &Router{
		cfg:     cfg,
		target:  target,
		blocked: cfg.BlockedApexDomains,
		log:     logging.Named("router"),
	}
	r.proxy = &httputil.ReverseProxy{
		Director: func(*http.Request) {},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			r.log.Debug("sandbox unreachable", zap.String("host", req.Host), zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, ProvisioningBody)
		},
	}
	return r, nil
}

// Match resolves a request host and path to a sandbox route, or nil when
// neither pattern applies. A non-empty baseDomain pins the subdomain form to
// hosts sitting directly under it; empty (dev) accepts any host carrying the
// port-name prefix.
func Match(host, path, baseDomain string) *Route {
	hostname := stripPort(host)

	var m []string
	if baseDomain != "" {
		if label, ok := strings.CutSuffix(hostname, "."+baseDomain); ok {
			m = subdomainLabel.FindStringSubmatch(label)
		}
	} else {
		m = subdomainPrefix.FindStringSubmatch(hostname)
	}
	if m != nil {
		port, err := strconv.Atoi(m[1])
		if err == nil {
			return &Route{Port: port, Sandbox: m[2], Path: path}
		}
	}

	if isLocalhostClass(hostname) {
		if m := previewPattern.FindStringSubmatch(path); m != nil {
			port, _ := strconv.Atoi(m[1])
			p := m[3]
			if p == "" {
				p = "/"
			}
			return &Route{Port: port, Sandbox: m[2], Path: p}
		}
	}
	return nil
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLocalhostClass(hostname string) bool {
	return hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasSuffix(hostname, ".localhost")
}

// blockedApex reports whether the hostname sits directly under a blocked apex
// domain, where wildcard subdomains cannot carry preview traffic.
func (r *Router) blockedApex(host string) bool {
	hostname := stripPort(host)
	for _, apex := range r.blocked {
		if hostname == apex || strings.HasSuffix(hostname, "."+apex) {
			return true
		}
	}
	return false
}

// ServeHTTP dispatches one request. Pattern match → forward to the sandbox;
// no match → 404.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	route := Match(req.Host, req.URL.Path, r.cfg.BaseDomain)
	if route == nil {
		http.NotFound(w, req)
		return
	}

	if r.blockedApex(req.Host) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"success":false,"code":"CUSTOM_DOMAIN_REQUIRED","error":"preview URLs are not served on %s; configure a custom domain"}`,
			stripPort(req.Host))
		return
	}

	r.forward(w, req, route)
}

// forward rewrites the request toward the sandbox control plane. Control-port
// traffic goes straight through; user ports carry the proxy port header so
// the control plane relays to 127.0.0.1:<port>. WebSocket upgrades pass
// through the reverse proxy untouched.
func (r *Router) forward(w http.ResponseWriter, req *http.Request, route *Route) {
	proto := "http"
	if req.TLS != nil {
		proto = "https"
	}
	originalURL := proto + "://" + req.Host + req.URL.RequestURI()

	out := req.Clone(req.Context())
	out.URL.Scheme = r.target.Scheme
	out.URL.Host = r.target.Host
	out.URL.Path = route.Path
	out.Host = r.target.Host

	out.Header.Set("X-Original-URL", originalURL)
	out.Header.Set("X-Forwarded-Host", stripPort(req.Host))
	out.Header.Set("X-Forwarded-Proto", proto)
	out.Header.Set("X-Sandbox-Name", route.Sandbox)
	if route.Port != config.ControlPort {
		out.Header.Set("X-Proxy-Port", strconv.Itoa(route.Port))
	}

	r.log.Debug("dispatching",
		zap.String("sandbox", route.Sandbox),
		zap.Int("port", route.Port),
		zap.String("path", route.Path))
	r.proxy.ServeHTTP(w, out)
}
