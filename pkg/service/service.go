// Package service binds the DFU transfer core to the nRF52 link and redis.
//
// All link events, redis commands and deferred storage steps run on one
// events.Queue, so the transfer core sees a single thread of control.
package service

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/librescoot/dfu-service/pkg/config"
	"github.com/librescoot/dfu-service/pkg/dfu"
	"github.com/librescoot/dfu-service/pkg/events"
)

// Link sends a framed payload to the nRF52.
type Link interface {
	WriteWithFrameID(frameID byte, data []byte) error
}

// StatePublisher mirrors state fields to redis.
type StatePublisher interface {
	Set(field, value string) error
	Forget()
}

// CommandSource pops host commands. An empty value means the wait timed out.
type CommandSource interface {
	BRPop(timeout time.Duration, key string) (string, error)
}

// Options wires the optional collaborators.
type Options struct {
	Publisher   StatePublisher
	Commands    CommandSource
	CommandList string

	// Slots supplies the geometry used by assign commands.
	Slots []config.SlotConfig
}

// Service represents the DFU service daemon
type Service struct {
	dfu   *dfu.Service
	queue *events.Queue

	mu    sync.Mutex
	usock Link

	pub StatePublisher

	// retained holds fields that only change on events, so that a publish
	// command can write them again.
	retained map[string]string

	cmds    CommandSource
	cmdList string
	slots   []config.SlotConfig

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates the transfer core and binds it to queue. opts are applied
// after the service's own handlers.
func New(cfg dfu.Config, queue *events.Queue, o Options, opts ...dfu.Option) (*Service, error) {
	s := &Service{
		queue:    queue,
		pub:      o.Publisher,
		retained: map[string]string{},
		cmds:     o.Commands,
		cmdList:  o.CommandList,
		slots:    o.Slots,
		stopCh:   make(chan struct{}),
	}
	if s.cmdList == "" {
		s.cmdList = KeyCommandList
	}

	opts = append([]dfu.Option{
		dfu.WithSessionHandler(s),
		dfu.WithControlChangeHandler(s.onControlChange),
	}, opts...)
	d, err := dfu.NewService(cfg, stepScheduler{s}, s, opts...)
	if err != nil {
		return nil, err
	}
	s.dfu = d
	return s, nil
}

// DFU returns the transfer core.
func (s *Service) DFU() *dfu.Service { return s.dfu }

// SetUSock sets the USOCK connection for the service
func (s *Service) SetUSock(sock Link) {
	s.mu.Lock()
	s.usock = sock
	s.mu.Unlock()
}

func (s *Service) link() Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usock
}

// Stop stops the service
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Notify forwards a characteristic notification to the nRF52.
func (s *Service) Notify(c dfu.Characteristic, value []byte) error {
	return s.writeUARTMessage(bleNotify(c), value)
}

// OnSessionEnd records the outcome of a transfer.
func (s *Service) OnSessionEnd(e dfu.SessionEnd) {
	s.retain(FieldLastResult, e.Reason.String())
	s.retain(FieldLastWritten, strconv.FormatUint(e.Written, 10))
}

func (s *Service) onControlChange(c dfu.ControlChange) {
	log.WithField("change", c).Info("control register changed")
}

// post runs fn on the queue and mirrors the resulting state.
func (s *Service) post(fn func()) {
	if h := s.call(fn); h == 0 {
		log.Warn("event queue closed, dropping work")
	}
}

func (s *Service) call(fn func()) events.Handle {
	return s.queue.Call(func() {
		fn()
		s.PublishState()
	})
}

// stepScheduler runs the core's deferred steps on the queue so that state
// changed by a flush or erase is mirrored like any other event.
type stepScheduler struct{ s *Service }

func (t stepScheduler) Call(fn func()) events.Handle { return t.s.call(fn) }
func (t stepScheduler) Cancel(h events.Handle) bool  { return t.s.queue.Cancel(h) }

// PublishState mirrors the current state to redis. Unchanged fields are
// skipped by the publisher.
func (s *Service) PublishState() {
	if s.pub == nil {
		return
	}
	st := s.dfu.Snapshot()

	slot := SlotNone
	if st.Slot >= 0 {
		slot = strconv.Itoa(st.Slot)
	}
	session := SessionIdle
	if st.InSession {
		session = SessionActive
	}

	s.setField(FieldStatus, hex.EncodeToString(st.Status))
	s.setField(FieldControl, fmt.Sprintf("%02x", st.Control))
	s.setField(FieldSlot, slot)
	s.setField(FieldOffset, strconv.FormatUint(st.Offset, 10))
	s.setField(FieldSession, session)
}

func (s *Service) setField(field, value string) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Set(field, value); err != nil {
		log.WithField("field", field).Warnf("failed to publish state: %v", err)
	}
}

// retain publishes an event-driven field and keeps its value for Republish.
func (s *Service) retain(field, value string) {
	s.mu.Lock()
	s.retained[field] = value
	s.mu.Unlock()
	s.setField(field, value)
}

// Republish drops the publisher's dedupe state and writes every field
// again, the retained ones included. State fields follow via PublishState.
func (s *Service) Republish() {
	if s.pub == nil {
		return
	}
	s.pub.Forget()

	s.mu.Lock()
	fields := make(map[string]string, len(s.retained))
	for k, v := range s.retained {
		fields[k] = v
	}
	s.mu.Unlock()

	for _, field := range []string{FieldLastResult, FieldLastWritten, FieldBLEVersion} {
		if v, ok := fields[field]; ok {
			s.setField(field, v)
		}
	}
}
