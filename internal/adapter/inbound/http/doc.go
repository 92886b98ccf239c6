// Package http exposes the authorization service over HTTP: permission and
// condition queries for backend services, policy administration, attribute
// cache invalidation, health and Prometheus metrics.
//
// The package also provides RequirePermission and RequireCondition, net/http
// middleware that embedding applications use to gate their own routes.
package http
