// Package session tracks queries that are in flight between a client and the upstream resolver.
//
// Each open session is keyed by a proxy-assigned 16-bit correlation key, which replaces the
// client's transaction ID on the upstream leg. The Table is the only state shared between the
// client receive path, the upstream receive path and the timeout sweep; every operation on it is
// atomic with respect to the others.
package session
