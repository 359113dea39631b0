// Package messaging implements the conversation layer of a Parallel room.
//
// # Overview
//
// Three pieces cooperate:
//
//   - [Log]: the ordered, de-duplicated message history, with status
//     tracking and an LRU of recently seen ids so redelivered or pruned
//     messages are not shown twice.
//   - [Envelope]: the closed set of frames exchanged between peers. Chat
//     envelopes are JSON sealed with the session key; typing and delivered
//     frames need no confidentiality and travel as a kind byte plus body.
//   - [Protocol]: turns Send and SendTyping calls into frames handed to a
//     [Transmitter], and inbound frames into log entries, typing updates
//     and delivery acknowledgements.
//
// # Message Lifecycle
//
// A local message enters the log as sending before any network activity.
// It becomes sent once the transport accepts the frame, delivered when the
// recipient acknowledges it, or failed if no secure connection was available
// within the grace period. Delivered and failed are terminal:
//
//	msg, err := proto.Send(ctx, peerID, messaging.PayloadText, "hi")
//	if errors.Is(err, messaging.ErrDeliveryFailed) {
//	    // msg.Status == messaging.StatusFailed
//	}
//
// Received messages are stored as delivered and acknowledged on the
// connection they arrived on.
package messaging
