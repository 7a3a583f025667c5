package ports

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sandboxd/internal/logging"
	"sandboxd/internal/sberrors"
)

// Proxy forwards requests addressed to exposed ports to the user program
// listening on 127.0.0.1 inside the container.
type Proxy struct {
	registry *Registry
	log      *zap.Logger

	transport http.RoundTripper
	upgrader  websocket.Upgrader
	dialer    *websocket.Dialer
}

// NewProxy builds a proxy over the registry.
func NewProxy(registry *Registry) *Proxy {
	return &Proxy{
		registry: registry,
		log:      logging.Named("proxy"),
		transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The router already decided this request belongs to the sandbox.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Forward proxies req to 127.0.0.1:<port><path>, preserving method, headers
// and body. Upgrade requests are bridged as WebSockets. The port must be
// exposed.
func (p *Proxy) Forward(w http.ResponseWriter, req *http.Request, port int, path string) error {
	if !p.registry.IsExposed(port) {
		return sberrors.E(sberrors.PortNotExposed, "port %d is not exposed", port).WithDetail("port", port)
	}
	if path == "" {
		path = "/"
	}

	if websocket.IsWebSocketUpgrade(req) {
		return p.bridgeWebSocket(w, req, port, path)
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	proxy := &httputil.ReverseProxy{
		Director: func(out *http.Request) {
			out.URL.Scheme = target.Scheme
			out.URL.Host = target.Host
			out.URL.Path = path
			out.URL.RawQuery = req.URL.RawQuery
			out.Host = target.Host
		},
		Transport: p.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.Debug("proxy error", zap.Int("port", port), zap.Error(err))
			e := sberrors.E(sberrors.ServiceNotResponding, "service on port %d is not responding", port).
				WithDetail("port", port)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(e.HTTPStatus())
			fmt.Fprintf(w, `{"success":false,"error":%q,"code":%q}`, e.Message, e.Code)
		},
	}
	proxy.ServeHTTP(w, req)
	return nil
}

// bridgeWebSocket performs an RFC 6455 bridge: upgrade the client side, dial
// the in-container endpoint, then relay frames both ways until either peer
// closes.
func (p *Proxy) bridgeWebSocket(w http.ResponseWriter, req *http.Request, port int, path string) error {
	backendURL := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("127.0.0.1:%d", port),
		Path:     path,
		RawQuery: req.URL.RawQuery,
	}

	// Forward the subprotocols the client asked for; everything else in the
	// handshake is hop-by-hop.
	header := http.Header{}
	if proto := req.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		header.Set("Sec-WebSocket-Protocol", proto)
	}

	backend, resp, err := p.dialer.Dial(backendURL.String(), header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return sberrors.Wrap(sberrors.ServiceNotResponding, err,
			"websocket dial to port %d failed: %v", port, err).WithDetail("port", port)
	}
	defer backend.Close()

	client, err := p.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return sberrors.Wrap(sberrors.InternalError, err, "websocket upgrade failed: %v", err)
	}
	defer client.Close()

	errc := make(chan error, 2)
	relay := func(dst, src *websocket.Conn) {
		for {
			msgType, msg, err := src.ReadMessage()
			if err != nil {
				// Propagate the close so the peer sees a clean shutdown.
				code := websocket.CloseNormalClosure
				if ce, ok := err.(*websocket.CloseError); ok {
					code = ce.Code
				}
				dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
				errc <- err
				return
			}
			if err := dst.WriteMessage(msgType, msg); err != nil {
				errc <- err
				return
			}
		}
	}
	go relay(backend, client)
	go relay(client, backend)

	err = <-errc
	if err != nil && !websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
		!strings.Contains(err.Error(), "use of closed network connection") {
		p.log.Debug("websocket bridge ended", zap.Int("port", port), zap.Error(err))
	}
	return nil
}
