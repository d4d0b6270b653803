package service

import (
	log "github.com/sirupsen/logrus"

	"github.com/librescoot/dfu-service/pkg/ble"
	"github.com/librescoot/dfu-service/pkg/dfu"
	"github.com/librescoot/dfu-service/pkg/usock"
)

// HandleUSockMessage handles incoming USOCK messages. It runs on the serial
// read goroutine and hands every decoded message to the event queue in
// arrival order.
func (s *Service) HandleUSockMessage(payload *usock.Payload) {
	msgs, err := ble.Decode(payload.Data)
	if err != nil {
		log.Warnf("Failed to decode message on Frame ID 0x%02x: %v (raw %x)", payload.ID, err, payload.Data)
		return
	}
	if len(msgs) == 0 {
		log.Debugf("Received acknowledgment for Frame ID 0x%02x", payload.ID)
		return
	}

	for _, m := range msgs {
		m := m
		s.post(func() { s.handleMessage(m) })
	}
}

func (s *Service) handleMessage(m ble.Message) {
	switch m.Type {
	case ble.TypeDFUWriteRequest:
		s.handleWrite(m, true)
	case ble.TypeDFUWriteCommand:
		s.handleWrite(m, false)
	case ble.TypeGAP:
		s.handleGAP(m)
	case ble.TypeBLEVersion:
		if m.SubType == ble.TypeBLEVersionString {
			if v, ok := ble.Bytes(m.Value); ok {
				log.Infof("nRF52 firmware version: %s", v)
				s.retain(FieldBLEVersion, string(v))
			}
		}
	default:
		log.Debugf("Unhandled message type 0x%04x sub-type 0x%04x", m.Type, m.SubType)
	}
}

// handleWrite applies a peer write. A write request is answered with the
// authorization reply; a write command has nobody to answer to.
func (s *Service) handleWrite(m ble.Message, respond bool) {
	c := dfu.Characteristic(m.SubType)
	reply := dfu.ReplyWriteRequestRejected
	if value, ok := ble.Bytes(m.Value); ok {
		reply = s.dfu.Write(c, value)
	} else {
		log.WithField("char", c).Warnf("write with non-bytes value %T", m.Value)
	}

	if !respond {
		if reply != dfu.ReplySuccess {
			log.WithField("char", c).Debugf("write command rejected: %v", reply)
		}
		return
	}
	if err := s.writeUARTMessage(bleReply(c), uint16(reply)); err != nil {
		log.WithField("char", c).Errorf("failed to send write reply: %v", err)
	}
}

func (s *Service) handleGAP(m ble.Message) {
	switch m.SubType {
	case ble.TypeGAPConnected:
		handle, _ := ble.Uint(m.Value)
		log.WithField("conn", handle).Info("peer connected")
	case ble.TypeGAPDisconnected:
		reason, _ := ble.Uint(m.Value)
		log.WithField("reason", reason).Info("peer disconnected")
		s.dfu.Disconnect()
	default:
		log.Debugf("Unhandled GAP sub-type %d", m.SubType)
	}
}
