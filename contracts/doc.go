// Package contracts defines the unit of transmission exchanged between
// producers and consumers.
//
// An Envelope carries a routing pattern and a JSON payload. Requests add a
// correlation identifier and a reply destination; replies copy the
// correlation identifier and carry either a result or an ErrorReply.
//
// Payloads cross the wire as JSON. EncodePayload and DecodePayload are the
// typed boundary that application code should use instead of building
// json.RawMessage values by hand.
package contracts
