package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderSize is the size of the fixed DNS message header, in octets.
const HeaderSize = 12

// ErrMalformedMessage is returned for datagrams too short to contain a DNS header.
var ErrMalformedMessage = errors.New("protocol: malformed message")

// TransactionID reads the 16-bit transaction ID from the first two octets of a DNS message.
func TransactionID(msg []byte) (uint16, error) {
	if err := validate(msg); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint16(msg[:2]), nil
}

// WithTransactionID returns a copy of msg whose transaction ID is replaced with id. No other octet
// differs from the input, and the input itself is left untouched.
func WithTransactionID(msg []byte, id uint16) ([]byte, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}

	rewritten := make([]byte, len(msg))
	copy(rewritten, msg)
	binary.BigEndian.PutUint16(rewritten[:2], id)

	return rewritten, nil
}

func validate(msg []byte) error {
	if len(msg) < HeaderSize {
		return errors.Wrapf(ErrMalformedMessage, "length=%d", len(msg))
	}

	return nil
}
