package types

import (
	"encoding/hex"
	"fmt"
	"log/slog"
)

// Peer client ID.
type PeerID [20]byte

var _ slog.LogValuer = PeerID{}

func (me PeerID) LogValue() slog.Value {
	return slog.StringValue(me.String())
}

// Pretty prints the ID as hex, except the client prefix of IDs following the BEP 20 conventions.
func (me PeerID) String() string {
	if me[0] == '-' && me[7] == '-' {
		return string(me[:8]) + hex.EncodeToString(me[8:])
	}
	return hex.EncodeToString(me[:])
}

// Parses a 20 byte ID.
func PeerIDFromBytes(b []byte) (ret PeerID, err error) {
	if len(b) != len(ret) {
		err = fmt.Errorf("peer id has %d bytes, want %d", len(b), len(ret))
		return
	}
	copy(ret[:], b)
	return
}
