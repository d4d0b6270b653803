package ble

import "github.com/librescoot/dfu-service/pkg/dfu"

// MessageType represents the type of a link message exchanged with the nRF52
type MessageType uint16

const (
	TypeDFUWriteRequest MessageType = 0xD010 // write with response, host must reply
	TypeDFUWriteCommand MessageType = 0xD018 // write without response (binary stream)
	TypeDFUWriteReply   MessageType = 0xD020 // authorization reply for a write request
	TypeDFUNotify       MessageType = 0xD030 // notify subscribed peers
	TypeGAP             MessageType = 0xD040 // connection events
	TypeBLEVersion      MessageType = 0xA000 // BLE_SCOOTER_SERVICE_VERSION
	TypeBLECommand      MessageType = 0xAA00 // BLE_SCOOTER_SERVICE_BLE_COMMANDS
)

// SubType represents the sub-type of a message, relative to its type
type SubType uint16

const (
	// GAP sub-types
	TypeGAPConnected    SubType = 1
	TypeGAPDisconnected SubType = 2

	// BLE version sub-types
	TypeBLEVersionString SubType = 1
)

// BLECommand represents BLE control commands
type BLECommand uint8

const (
	BLECommandAdvStartWithWhitelist BLECommand = 1
	BLECommandAdvRestartNoWhitelist BLECommand = 2
	BLECommandAdvStop               BLECommand = 3
)

// FrameID is the USOCK frame ID carrying a message type.
func (t MessageType) FrameID() byte { return byte(t & 0xFF) }

// ServiceUUID is the primary DFU service.
const ServiceUUID = "53880000-65fd-4651-ba8e-91527f06c887"

// BLECharacteristic represents a BLE characteristic with its properties
type BLECharacteristic struct {
	ID          dfu.Characteristic
	UUID        string
	Name        string
	IsReadable  bool
	IsWritable  bool
	NoResponse  bool // write without response
	IsNotifying bool
}

// DFU characteristics
var (
	CharSlot = BLECharacteristic{
		ID:         dfu.CharSlot,
		UUID:       "53880001-65fd-4651-ba8e-91527f06c887",
		Name:       "DFU Slot",
		IsReadable: true,
		IsWritable: true,
	}

	CharOffset = BLECharacteristic{
		ID:         dfu.CharOffset,
		UUID:       "53880002-65fd-4651-ba8e-91527f06c887",
		Name:       "DFU Offset",
		IsReadable: true,
		IsWritable: true,
	}

	CharBinaryStream = BLECharacteristic{
		ID:         dfu.CharBinaryStream,
		UUID:       "53880003-65fd-4651-ba8e-91527f06c887",
		Name:       "DFU Binary Stream",
		IsWritable: true,
		NoResponse: true,
	}

	CharControl = BLECharacteristic{
		ID:          dfu.CharControl,
		UUID:        "53880004-65fd-4651-ba8e-91527f06c887",
		Name:        "DFU Control",
		IsReadable:  true,
		IsWritable:  true,
		IsNotifying: true,
	}

	CharStatus = BLECharacteristic{
		ID:          dfu.CharStatus,
		UUID:        "53880005-65fd-4651-ba8e-91527f06c887",
		Name:        "DFU Status",
		IsReadable:  true,
		IsNotifying: true,
	}
)

// Characteristics lists the DFU service characteristics in attribute order.
var Characteristics = []BLECharacteristic{
	CharSlot,
	CharOffset,
	CharBinaryStream,
	CharControl,
	CharStatus,
}

// CharacteristicByID looks up a characteristic descriptor.
func CharacteristicByID(id dfu.Characteristic) (BLECharacteristic, bool) {
	for _, c := range Characteristics {
		if c.ID == id {
			return c, true
		}
	}
	return BLECharacteristic{}, false
}
