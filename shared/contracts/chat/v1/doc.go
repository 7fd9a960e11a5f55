// Package v1 defines the Desk chat wire contract.
//
// It covers both halves of the delivery path:
//   - the push-channel envelope protocol (chat:join / chat:message / chat:typing)
//   - the durable REST payloads (message and room records, list decoding)
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1
