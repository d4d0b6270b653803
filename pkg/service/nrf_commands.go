package service

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/librescoot/dfu-service/pkg/ble"
)

// InitializeNRF52 requests the co-processor firmware version and starts
// advertising so a DFU client can connect.
func (s *Service) InitializeNRF52() error {
	log.Info("Starting nRF52 initialization...")

	if err := s.writeUARTMessage(target{ble.TypeBLEVersion, ble.TypeBLEVersionString}, uint16(0)); err != nil {
		log.Warnf("failed to request BLE firmware version: %v", err)
	} else {
		log.Info("Sent Request BLE Firmware Version command")
	}
	time.Sleep(50 * time.Millisecond)

	if err := s.RestartAdvertisingWithoutWhitelist(); err != nil {
		return err
	}

	log.Info("nRF52 initialization sequence sent")
	return nil
}

// RestartAdvertisingWithoutWhitelist sends command to restart advertising without whitelist
func (s *Service) RestartAdvertisingWithoutWhitelist() error {
	return s.sendBLECommand(ble.BLECommandAdvRestartNoWhitelist)
}

func (s *Service) sendBLECommand(cmd ble.BLECommand) error {
	if err := s.writeUARTMessage(bleCommand(cmd), uint16(0)); err != nil {
		return fmt.Errorf("failed to send BLE command %d: %w", cmd, err)
	}
	log.Infof("Sent BLE command %d", cmd)
	return nil
}
