// Package interfaces defines the contracts between the session core and its
// external collaborators: the transport that carries bytes between two peers
// and the presence directory that lets peers find each other.
//
// Implementations live elsewhere: transport.TCPTransport, rtc.Transport and
// presence.RedisDirectory for real networks, sim.Network, sim.Directory and
// sim.Switchboard for in-process tests. The core never depends on a concrete
// implementation.
package interfaces
