// Package server implements the websocket front of the relay.
//
// The Manager accepts connections, owns the set of active sessions and runs
// one read and one write pump per session. Inbound envelopes are dispatched
// to the auth gateway or the channel router; outbound frames are drained
// from each session's queue by its write pump. The package also wires the
// HTTP routes (health, channel listing, channel history, metrics) and the
// http.Server lifecycle helpers.
package server
