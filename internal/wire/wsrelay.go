package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Upgraded WebSocket connections relay as a byte stream of length-prefixed
// messages: [type:1][length:4][payload]. Data frames chunk the stream
// arbitrarily, so boundaries are restored here rather than per frame.

const wsHeaderLen = 5

// MaxWSMessage bounds one relayed WebSocket message.
const MaxWSMessage = 16 * 1024 * 1024

var ErrWSMessageTooLarge = errors.New("wire: relayed websocket message too large")

// AppendWSMessage encodes one relayed message onto buf.
func AppendWSMessage(buf []byte, messageType int, payload []byte) ([]byte, error) {
	if len(payload) > MaxWSMessage {
		return nil, ErrWSMessageTooLarge
	}
	var hdr [wsHeaderLen]byte
	hdr[0] = byte(messageType)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	buf = append(buf, hdr[:]...)
	return append(buf, payload...), nil
}

// ReadWSMessage decodes the next relayed message from a stream reader.
func ReadWSMessage(r io.Reader) (messageType int, payload []byte, err error) {
	var hdr [wsHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[1:])
	if length > MaxWSMessage {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrWSMessageTooLarge, length)
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return int(hdr[0]), payload, nil
}
