package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/librescoot/dfu-service/pkg/ble"
	"github.com/librescoot/dfu-service/pkg/dfu"
	"github.com/librescoot/dfu-service/pkg/storage"
)

// command is a parsed entry of the command list.
type command struct {
	name   string
	status dfu.Status
	extra  []byte
	slot   int
	path   string
	bleCmd ble.BLECommand
}

// parseCommand accepts:
//
//	reset
//	publish
//	status:<code>[:<byte>...]
//	assign:<slot>:<image path>
//	advertising-start-with-whitelisting | advertising-restart-no-whitelisting | advertising-stop
func parseCommand(raw string) (command, error) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case CommandReset, CommandPublish:
		return command{name: raw}, nil
	case CommandAdvStartWhitelist:
		return command{name: raw, bleCmd: ble.BLECommandAdvStartWithWhitelist}, nil
	case CommandAdvRestart:
		return command{name: raw, bleCmd: ble.BLECommandAdvRestartNoWhitelist}, nil
	case CommandAdvStop:
		return command{name: raw, bleCmd: ble.BLECommandAdvStop}, nil
	}

	switch {
	case strings.HasPrefix(raw, CommandStatusPrefix):
		parts := strings.Split(strings.TrimPrefix(raw, CommandStatusPrefix), ":")
		cmd := command{name: CommandStatusPrefix}
		for i, p := range parts {
			v, err := strconv.ParseUint(p, 0, 8)
			if err != nil {
				return command{}, fmt.Errorf("status byte %q: %w", p, err)
			}
			if i == 0 {
				cmd.status = dfu.Status(v)
			} else {
				cmd.extra = append(cmd.extra, byte(v))
			}
		}
		return cmd, nil

	case strings.HasPrefix(raw, CommandAssignPrefix):
		parts := strings.SplitN(strings.TrimPrefix(raw, CommandAssignPrefix), ":", 2)
		if len(parts) != 2 || parts[1] == "" {
			return command{}, fmt.Errorf("assign wants <slot>:<path>, got %q", raw)
		}
		slot, err := strconv.Atoi(parts[0])
		if err != nil {
			return command{}, fmt.Errorf("assign slot %q: %w", parts[0], err)
		}
		return command{name: CommandAssignPrefix, slot: slot, path: parts[1]}, nil
	}
	return command{}, fmt.Errorf("unknown command %q", raw)
}

// WatchRedisCommands listens for commands on the redis command list (using
// BRPOP) until Stop is called. Commands execute on the event queue.
func (s *Service) WatchRedisCommands() {
	if s.cmds == nil {
		return
	}
	log.Infof("Starting Redis command watcher on list key: %s", s.cmdList)
	for {
		select {
		case <-s.stopCh:
			log.Info("Stopping Redis command watcher.")
			return
		default:
		}

		raw, err := s.cmds.BRPop(time.Second, s.cmdList)
		if err != nil {
			log.Errorf("Error receiving command from Redis list %s: %v", s.cmdList, err)
			select {
			case <-s.stopCh:
			case <-time.After(time.Second):
			}
			continue
		}
		if raw == "" {
			continue
		}

		log.Infof("Received command from Redis list %s: %s", s.cmdList, raw)
		cmd, err := parseCommand(raw)
		if err != nil {
			log.Warnf("Ignoring command: %v", err)
			continue
		}
		s.post(func() { s.runCommand(cmd) })
	}
}

func (s *Service) runCommand(cmd command) {
	switch cmd.name {
	case CommandReset:
		s.dfu.Disconnect()
	case CommandPublish:
		s.Republish()
	case CommandStatusPrefix:
		s.dfu.SetStatus(cmd.status, cmd.extra...)
	case CommandAssignPrefix:
		if err := s.assignFile(cmd.slot, cmd.path); err != nil {
			log.WithField("slot", cmd.slot).Errorf("assign failed: %v", err)
		}
	default:
		if err := s.sendBLECommand(cmd.bleCmd); err != nil {
			log.Errorf("Failed to send command '%s' to nRF: %v", cmd.name, err)
		}
	}
}

// assignFile binds an image file to slot using the slot's configured
// geometry.
func (s *Service) assignFile(slot int, path string) error {
	if slot < 0 || slot >= len(s.slots) {
		return fmt.Errorf("no geometry configured for slot %d", slot)
	}
	dev, err := storage.NewFileDevice(path, s.slots[slot].Geometry())
	if err != nil {
		return err
	}
	if err := s.dfu.Assign(slot, dev); err != nil {
		return err
	}
	log.WithFields(log.Fields{"slot": slot, "path": path}).Info("slot assigned")
	return nil
}
