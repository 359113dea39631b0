// Package sim provides in-memory implementations of the transport and
// directory interfaces for deterministic testing.
//
// # Overview
//
// A [Network] connects simulated transports by peer-id. Conns are reliable
// and ordered, like a WebRTC data channel, and every frame is recorded for
// later inspection. Dial failures and delays can be injected per target, and
// dial attempts are counted. A transport given a key with SetKey proves it
// on its conns like the TCP link does, and DialAs lets a test dial under a
// peer-id the dialer does not own.
//
// A [Directory] holds room membership and pushes the full roster to every
// subscriber on each change, mirroring the production presence store. A
// [Switchboard] relays negotiation signals between peers the same way the
// presence store's pub/sub does.
//
// # Usage
//
//	net := sim.NewNetwork()
//	ta := net.Transport("peer-a")
//	tb := net.Transport("peer-b")
//	net.FailDials("peer-b", 1) // first dial to peer-b fails
//
//	dir := sim.NewDirectory(nil)
//	updates, _ := dir.Subscribe(ctx, "room")
package sim
