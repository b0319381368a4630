// Package api implements the gateway's HTTP REST API and push endpoint.
//
// This package provides:
//   - Login and single-use push tickets
//   - Device listing scoped to the authenticated user
//   - Ownership-checked command dispatch and command lookup
//   - The caller's audit history
//   - Health, JSON metrics and the Prometheus scrape endpoint
//   - The WebSocket push endpoint (current and legacy paths)
//
// # Security
//
// Protected routes require "Authorization: Bearer <jwt>". Push connections
// authenticate with ?ticket= (preferred, single use) or ?token=.
//
// # Errors
//
// Every error response has the shape
//
//	{"error": {"code": "forbidden", "message": "..."}}
//
// with the stable codes listed in errors.go.
package api
