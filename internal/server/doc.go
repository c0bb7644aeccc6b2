// Package server implements the websocket side of the bug tracker's live
// updates: one Session per connection subscribed to a single project.
//
// The implementation is organized into specialized files for configuration,
// session supervision, sessions, routing, and HTTP handlers. Group membership
// lives in package registry and fan-out in package publisher.
package server
