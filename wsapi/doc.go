// Package wsapi implements the per-connection session of spec.md §4.7
// (C8): one Session per remote client, multiplexed onto the single shared
// model.Model. Session owns the write-side of one *websocket.Conn, decodes
// inbound protocol.Frame requests, dispatches them onto Model, and fans
// Model's broadcasts plus this client's own VU/port/patch-property
// subscriptions back out as outbound frames.
//
// Grounded on two corpus shapes named in DESIGN.md: the streamspace
// websocket.Client (send channel, writePump/readPump, ping/pong deadlines)
// for the connection lifecycle, and the ws_poc shared.Client (per-client
// sequence numbers, slow-client bookkeeping) for Session's outbound
// request-id minting and in-flight ack tracking (spec.md §4.7 "at most one
// outstanding per logical stream").
package wsapi
