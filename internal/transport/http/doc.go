// Package http exposes the local REST API the desktop UI consumes:
// license activation, status, transfers, audit history and health. The
// server binds loopback only; authentication is the machine boundary.
package http
