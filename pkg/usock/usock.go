package usock

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	MaxPayloadLength = 1024
	SyncByte1        = 0xF6
	SyncByte2        = 0xD9

	headerLength = 7 // sync(2) + id(1) + len(2) + hdrCRC(2)
)

// State machine states
const (
	StateSync1 State = iota
	StateSync2
	StateFrameID
	StatePayloadLen1
	StatePayloadLen2
	StateHeaderCRC1
	StateHeaderCRC2
	StatePayload
	StatePayloadCRC1
	StatePayloadCRC2
)

// State represents the state of the USOCK receive state machine
type State int

// Frame represents a USOCK frame
type Frame struct {
	ID         byte
	PayloadLen uint16
	HeaderCRC  uint16
	Payload    []byte
	PayloadCRC uint16
}

// Payload represents a received message payload
type Payload struct {
	ID   byte   // Frame ID
	Data []byte // Payload data
}

// EncodeFrame builds a complete frame around data.
func EncodeFrame(frameID byte, data []byte) ([]byte, error) {
	if len(data) > MaxPayloadLength {
		return nil, fmt.Errorf("payload size %d exceeds maximum length of %d bytes", len(data), MaxPayloadLength)
	}

	frame := make([]byte, headerLength, headerLength+len(data)+2)
	frame[0] = SyncByte1
	frame[1] = SyncByte2
	frame[2] = frameID
	binary.LittleEndian.PutUint16(frame[3:5], uint16(len(data)))
	binary.LittleEndian.PutUint16(frame[5:7], crc16(frame[:5]))
	frame = append(frame, data...)
	frame = binary.LittleEndian.AppendUint16(frame, crc16(data))
	return frame, nil
}

// Decoder reassembles frames from a byte stream.
type Decoder struct {
	state  State
	frame  Frame
	buffer []byte
}

// NewDecoder returns a decoder waiting for the first sync byte.
func NewDecoder() *Decoder {
	return &Decoder{buffer: make([]byte, 0, 256)}
}

// Feed processes one byte. It returns a payload when b completes a valid
// frame. Frames with a bad length or CRC are dropped and the decoder hunts
// for the next sync sequence.
func (d *Decoder) Feed(b byte) *Payload {
	switch d.state {
	case StateSync1:
		if b == SyncByte1 {
			d.buffer = append(d.buffer[:0], b)
			d.state = StateSync2
		}
	case StateSync2:
		switch b {
		case SyncByte2:
			d.buffer = append(d.buffer, b)
			d.state = StateFrameID
		case SyncByte1:
			d.buffer = append(d.buffer[:0], b)
		default:
			d.state = StateSync1
		}
	case StateFrameID:
		d.frame.ID = b
		d.buffer = append(d.buffer, b)
		d.state = StatePayloadLen1
	case StatePayloadLen1:
		d.frame.PayloadLen = uint16(b)
		d.buffer = append(d.buffer, b)
		d.state = StatePayloadLen2
	case StatePayloadLen2:
		d.frame.PayloadLen |= uint16(b) << 8
		d.buffer = append(d.buffer, b)
		if d.frame.PayloadLen > MaxPayloadLength {
			log.Warnf("RX: invalid payload length %d (max %d)", d.frame.PayloadLen, MaxPayloadLength)
			d.state = StateSync1
			return nil
		}
		d.state = StateHeaderCRC1
	case StateHeaderCRC1:
		d.frame.HeaderCRC = uint16(b)
		d.state = StateHeaderCRC2
	case StateHeaderCRC2:
		d.frame.HeaderCRC |= uint16(b) << 8
		if calc := crc16(d.buffer); calc != d.frame.HeaderCRC {
			log.Warnf("RX: invalid header CRC: calculated=0x%04x, received=0x%04x", calc, d.frame.HeaderCRC)
			d.state = StateSync1
			return nil
		}
		d.frame.Payload = make([]byte, 0, d.frame.PayloadLen)
		if d.frame.PayloadLen == 0 {
			d.state = StatePayloadCRC1
		} else {
			d.state = StatePayload
		}
	case StatePayload:
		d.frame.Payload = append(d.frame.Payload, b)
		if len(d.frame.Payload) >= int(d.frame.PayloadLen) {
			d.state = StatePayloadCRC1
		}
	case StatePayloadCRC1:
		d.frame.PayloadCRC = uint16(b)
		d.state = StatePayloadCRC2
	case StatePayloadCRC2:
		d.frame.PayloadCRC |= uint16(b) << 8
		d.state = StateSync1
		if calc := crc16(d.frame.Payload); calc != d.frame.PayloadCRC {
			log.Warnf("RX: invalid payload CRC: calculated=0x%04x, received=0x%04x", calc, d.frame.PayloadCRC)
			return nil
		}
		log.Debugf("RX frame: ID=0x%02x, Len=%d, Payload=%s",
			d.frame.ID, d.frame.PayloadLen, hex.EncodeToString(d.frame.Payload))
		return &Payload{ID: d.frame.ID, Data: d.frame.Payload}
	}
	return nil
}

// USOCK represents a UART socket connection to the nRF52
type USOCK struct {
	port     io.ReadWriteCloser
	handler  func(*Payload)
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	once     sync.Once
}

// New opens the serial device and starts reading frames. handler is called
// on the read goroutine, one frame at a time, in arrival order.
func New(devicePath string, baudRate int, handler func(*Payload)) (*USOCK, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", devicePath, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.Warnf("failed to flush serial input: %v", err)
	}
	return NewWithPort(port, handler), nil
}

// NewWithPort runs the protocol over an already open port.
func NewWithPort(port io.ReadWriteCloser, handler func(*Payload)) *USOCK {
	u := &USOCK{
		port:     port,
		handler:  handler,
		stopChan: make(chan struct{}),
	}
	u.wg.Add(1)
	go u.readLoop()
	return u
}

// WriteWithFrameID sends data to the nRF52 with a specific frame ID
func (u *USOCK) WriteWithFrameID(frameID byte, data []byte) error {
	frame, err := EncodeFrame(frameID, data)
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	log.Debugf("TX frame: ID=0x%02x, Len=%d, Payload=%s", frameID, len(data), hex.EncodeToString(data))
	if _, err := u.port.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close closes the USOCK connection
func (u *USOCK) Close() error {
	var err error
	u.once.Do(func() {
		close(u.stopChan)
		err = u.port.Close()
		u.wg.Wait()
	})
	return err
}

// readLoop continuously reads from the serial port
func (u *USOCK) readLoop() {
	defer u.wg.Done()

	dec := NewDecoder()
	buf := make([]byte, 256)
	log.Info("Starting serial read loop")

	for {
		n, err := u.port.Read(buf)
		select {
		case <-u.stopChan:
			return
		default:
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("serial port closed")
				return
			}
			log.Errorf("Error reading from serial port: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for _, b := range buf[:n] {
			if p := dec.Feed(b); p != nil && u.handler != nil {
				u.handler(p)
			}
		}
	}
}
