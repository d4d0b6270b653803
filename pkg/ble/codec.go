package ble

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Message is one decoded link message. SubType is relative to Type; on the
// wire the inner key is the absolute sub-type Type+SubType.
type Message struct {
	Type    MessageType
	SubType SubType
	Value   interface{}
}

// Encode marshals a single message and returns the frame ID to send it with.
func Encode(msgType MessageType, subType SubType, value interface{}) (byte, []byte, error) {
	absoluteKey := uint16(msgType) + uint16(subType)
	message := map[uint16]map[uint16]interface{}{
		uint16(msgType): {
			absoluteKey: value,
		},
	}
	data, err := cbor.Marshal(message)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal CBOR: %w", err)
	}
	return msgType.FrameID(), data, nil
}

// Decode unmarshals a link payload. A payload may carry several sub-types of
// one message type; an empty inner map is an acknowledgment and yields no
// messages.
func Decode(data []byte) ([]Message, error) {
	var raw map[uint16]map[uint16]interface{}
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode CBOR message: %w", err)
	}
	if len(raw) != 1 {
		return nil, fmt.Errorf("expected 1 top-level key, got %d", len(raw))
	}

	var msgs []Message
	for msgType, params := range raw {
		for absSubType, value := range params {
			if absSubType < msgType {
				return nil, fmt.Errorf("absolute subtype 0x%04x is less than message type 0x%04x", absSubType, msgType)
			}
			msgs = append(msgs, Message{
				Type:    MessageType(msgType),
				SubType: SubType(absSubType - msgType),
				Value:   value,
			})
		}
	}
	return msgs, nil
}

// Bytes extracts a byte string value.
func Bytes(value interface{}) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	}
	return nil, false
}

// Uint extracts an unsigned integer value.
func Uint(value interface{}) (uint64, bool) {
	switch v := value.(type) {
	case uint64:
		return v, true
	case uint32:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case int64:
		if v >= 0 {
			return uint64(v), true
		}
	case int:
		if v >= 0 {
			return uint64(v), true
		}
	}
	return 0, false
}
