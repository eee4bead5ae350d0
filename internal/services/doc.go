// Package services contains the business logic layer between the HTTP
// handlers and the license core. Services translate transport-level
// requests into license operations, shape responses with trace IDs for
// correlation, and push state changes to the websocket hub.
package services
