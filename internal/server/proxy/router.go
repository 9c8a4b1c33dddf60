// Package proxy routes inbound public traffic: hostname dispatch to either
// the control surface or the owning tunnel, then request forwarding over the
// tunnel's control channel.
package proxy

import (
	"net"
	"net/http"

	"github.com/burrowhq/burrow/internal/server/errorpages"
	"github.com/burrowhq/burrow/internal/server/registry"
	"github.com/burrowhq/burrow/pkg/logger"
	"github.com/burrowhq/burrow/pkg/utils"
)

// Router dispatches by hostname: the base domain, localhost, and IP literals
// go to the control surface; everything else is resolved to a tunnel and
// handed to the forwarder.
type Router struct {
	registry   *registry.Registry
	forwarder  *Forwarder
	control    http.Handler
	baseDomain string
}

// NewRouter creates a hostname router.
func NewRouter(reg *registry.Registry, forwarder *Forwarder, control http.Handler, baseDomain string) *Router {
	return &Router{
		registry:   reg,
		forwarder:  forwarder,
		control:    control,
		baseDomain: baseDomain,
	}
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if rt.isControlHost(r.Host) {
		rt.control.ServeHTTP(w, r)
		return
	}

	subdomain, err := utils.ExtractSubdomain(r.Host, rt.baseDomain)
	if err != nil || subdomain == "" {
		logger.WarnEvent().
			Str("host", r.Host).
			Str("path", r.URL.Path).
			Msg("Request for unroutable host")
		errorpages.TunnelNotFound(w, subdomain)
		return
	}

	tun, err := rt.registry.Lookup(r.Context(), subdomain)
	if err != nil {
		logger.DebugEvent().
			Str("subdomain", subdomain).
			Str("path", r.URL.Path).
			Msg("No tunnel for subdomain")
		errorpages.TunnelNotFound(w, subdomain)
		return
	}

	rt.forwarder.Forward(w, r, tun)
}

// isControlHost reports whether the host addresses the server itself rather
// than a tunnel subdomain.
func (rt *Router) isControlHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == rt.baseDomain || host == "localhost" {
		return true
	}
	return net.ParseIP(host) != nil
}
