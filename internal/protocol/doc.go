// Package protocol concerns itself with the small amount of DNS protocol knowledge the proxy needs.
// Correlation relies only on a fixed-offset view of the message header: the transaction ID in the
// first two octets. Everything after it is an opaque payload that is forwarded byte-for-byte, so the
// proxy stays correct for every query type and for EDNS0 extended payloads.
//
// Full message decoding is used only on a best-effort basis, to produce query log summaries and
// to synthesize failure responses; it never gates forwarding.
package protocol
