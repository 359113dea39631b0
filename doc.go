// Package parallel is a peer-to-peer encrypted session core.
//
// Given a room identifier and a display name, a [Session] announces itself
// in a presence directory, opens an end-to-end encrypted channel to every
// other participant, and exchanges ordered, acknowledged messages, typing
// signals and media calls. No server ever sees plaintext: the directory
// only stores peer-ids, display names and public keys.
//
// # Getting Started
//
//	network := sim.NewNetwork()
//	opts := parallel.NewOptions()
//	opts.Directory = sim.NewDirectory(nil)
//	opts.Transport = func(id *parallel.Identity) (interfaces.Transport, error) {
//	    return network.Transport(id.PeerID), nil
//	}
//
//	s, err := parallel.Join(ctx, "room-42", "Alice", opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	s.OnMessage(func(c messaging.Change) {
//	    if c.Kind == messaging.ChangeAdded && !c.Message.Local {
//	        fmt.Printf("%s: %s\n", c.Message.SenderName, c.Message.Content)
//	    }
//	})
//
//	msg, err := s.SendText(ctx, messaging.BroadcastTarget, "hello room")
//
// Real deployments use presence.RedisDirectory with either
// transport.TCPTransport or rtc.Transport, which negotiates WebRTC through
// the same Redis instance.
//
// # Identity
//
// Every session draws a fresh random peer-id and an ephemeral X25519
// keypair. Nothing is persisted and nothing ties two sessions of the same
// user together.
//
// # History
//
// The log is ephemeral by default. [Session.SetRetention] keeps messages
// for 24 hours and, with Options.Store, persists them encrypted at rest.
// [Session.Wipe] erases everything immediately.
//
// # Calls
//
// A session holds at most one active call and one pending incoming call.
// Media streams are opaque values handed through the transport.
package parallel
