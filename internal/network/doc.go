// Package network contains the proxy's two UDP endpoints: the ClientListener, which owns the
// client-facing socket, and the UpstreamForwarder, which owns the socket used to talk to upstream
// resolvers. Both run a receive loop that hands each datagram to a PacketHandler; neither
// interprets the datagrams they carry.
package network
