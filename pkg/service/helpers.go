package service

import (
	"encoding/hex"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/librescoot/dfu-service/pkg/ble"
	"github.com/librescoot/dfu-service/pkg/dfu"
)

// target names a message type and relative sub-type.
type target struct {
	msgType ble.MessageType
	subType ble.SubType
}

func bleNotify(c dfu.Characteristic) target {
	return target{ble.TypeDFUNotify, ble.SubType(c)}
}

func bleReply(c dfu.Characteristic) target {
	return target{ble.TypeDFUWriteReply, ble.SubType(c)}
}

func bleCommand(cmd ble.BLECommand) target {
	return target{ble.TypeBLECommand, ble.SubType(cmd)}
}

// writeUARTMessage encodes one message and sends it to the nRF52.
func (s *Service) writeUARTMessage(t target, value interface{}) error {
	sock := s.link()
	if sock == nil {
		return fmt.Errorf("USOCK connection is not initialized")
	}

	frameID, data, err := ble.Encode(t.msgType, t.subType, value)
	if err != nil {
		return err
	}

	log.Debugf("Sending message: Frame ID=0x%02x, CBOR Data=%s", frameID, hex.EncodeToString(data))
	return sock.WriteWithFrameID(frameID, data)
}
