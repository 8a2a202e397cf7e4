//go:generate go run golang.org/x/tools/cmd/stringer -type=FailurePolicy -linecomment=true

package proxy

import (
	"strings"
)

// FailurePolicy formalizes what the engine does for a query that exhausts its retry budget.
type FailurePolicy int

const (
	// ServerFailure answers the client with a synthesized SERVFAIL response.
	ServerFailure FailurePolicy = iota // servfail
	// Drop sends nothing, leaving the client's own resolver to time out and retry.
	Drop // drop
)

// ParseFailurePolicy parses a FailurePolicy constant from its stringified representation in a
// case-insensitive manner.
func ParseFailurePolicy(policy string) (FailurePolicy, bool) {
	for _, knownPolicy := range []FailurePolicy{ServerFailure, Drop} {
		if strings.EqualFold(policy, knownPolicy.String()) {
			return knownPolicy, true
		}
	}

	return ServerFailure, false
}
