// Package protocol defines the messages exchanged between sync clients and
// the server, the error kinds they carry, and the codec that validates them
// at the connection boundary.
//
// Every message travels in an envelope:
//
//	{"type": "pull", "body": {...}}
//
// A Codec decodes and validates a message in one step; callers never see a
// message that failed validation. Decoding failures surface as *Error with
// kind InvalidMessage so they can be sent back to the peer unchanged.
//
// Position tokens (Cookie) are opaque. Pull responses and pokes carry both
// the cookie the patch produces and the BaseCookie it applies on top of,
// which lets a client detect stale or out-of-order deliveries without
// parsing cookies.
package protocol
