// Package proxy contains the query-forwarding engine. The Engine receives client queries from the
// ClientListener, opens a session for each and forwards it upstream under a fresh correlation key;
// it matches upstream replies back to their sessions and delivers them to the original client with
// the client's transaction ID restored. A periodic sweep retries queries whose upstream attempt
// timed out and finalizes those that exhaust their retry budget.
//
// Per-datagram failures are handled where they occur and never affect other sessions.
package proxy
