// Package server hosts the Fiber application shared by the admin HTTP API.
// It owns the middleware chain (panic recovery, request ids, access logs) and
// renders unhandled errors as JSON. Endpoints live in the routes subpackage so
// the cache and catalog are injected explicitly instead of reached through
// globals.
package server
