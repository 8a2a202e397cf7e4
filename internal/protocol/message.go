package protocol

import (
	"net"
	"strconv"

	"github.com/miekg/dns"
)

// Summary is a human-oriented digest of a DNS message, used for the query log.
type Summary struct {
	// Name is the queried name of the first question, if any.
	Name string
	// Type is the stringified record type of the first question, if any.
	Type string
	// Rcode is the stringified response code.
	Rcode string
	// Answers is the number of records in the answer section.
	Answers int
	// Addrs are the addresses carried by A and AAAA records in the answer section.
	Addrs []net.IP
}

// Inspect decodes msg on a best-effort basis. The boolean is false when the message cannot be
// decoded, in which case the message should still be forwarded as-is.
func Inspect(msg []byte) (Summary, bool) {
	m := new(dns.Msg)
	if err := m.Unpack(msg); err != nil {
		return Summary{}, false
	}

	summary := Summary{
		Rcode:   rcodeName(m.Rcode),
		Answers: len(m.Answer),
	}

	if len(m.Question) > 0 {
		summary.Name = m.Question[0].Name
		summary.Type = dns.Type(m.Question[0].Qtype).String()
	}

	for _, rr := range m.Answer {
		switch record := rr.(type) {
		case *dns.A:
			summary.Addrs = append(summary.Addrs, record.A)
		case *dns.AAAA:
			summary.Addrs = append(summary.Addrs, record.AAAA)
		}
	}

	return summary, true
}

// ServerFailure synthesizes a SERVFAIL response to query, carrying the query's transaction ID.
// When the query cannot be decoded, the response consists of a bare header that echoes the ID,
// opcode and RD bit of the query.
func ServerFailure(query []byte) ([]byte, error) {
	if err := validate(query); err != nil {
		return nil, err
	}

	q := new(dns.Msg)
	if err := q.Unpack(query); err == nil {
		a := new(dns.Msg)
		a.SetRcode(q, dns.RcodeServerFailure)

		if packed, err := a.Pack(); err == nil {
			return packed, nil
		}
	}

	resp := make([]byte, HeaderSize)
	copy(resp[:2], query[:2])
	resp[2] = 0x80 | query[2]&0x79 // QR, opcode, RD
	resp[3] = dns.RcodeServerFailure

	return resp, nil
}

func rcodeName(rcode int) string {
	if name, ok := dns.RcodeToString[rcode]; ok {
		return name
	}

	return strconv.Itoa(rcode)
}
