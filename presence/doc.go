// Package presence announces the local peer in a room and reports which
// other peers are live.
//
// A [Client] registers a [interfaces.PeerRecord] with a directory, refreshes
// it on a heartbeat, and filters directory pushes down to remote peers seen
// within the liveness window. [RedisDirectory] is the networked directory;
// tests use sim.Directory.
//
// RedisDirectory also relays WebRTC negotiation: each peer subscribes to
// its own signal channel and [RedisDirectory.SendSignal] publishes to the
// recipient's.
package presence
