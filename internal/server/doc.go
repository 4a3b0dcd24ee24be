// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the origin registry that maps Host headers onto configured upstreams.
// It bootstraps Fiber with recovery and request-id middleware, leaves the
// /-/ prefix to control routes, and hands every other request to the proxy
// layer. Keep exports narrow and accept explicit dependencies.
package server
