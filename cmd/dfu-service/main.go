package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/librescoot/dfu-service/pkg/config"
	"github.com/librescoot/dfu-service/pkg/events"
	"github.com/librescoot/dfu-service/pkg/redis"
	"github.com/librescoot/dfu-service/pkg/service"
	"github.com/librescoot/dfu-service/pkg/usock"
)

// Configuration flags. Flags given on the command line override the file.
var (
	configPath   = flag.String("config", "", "YAML configuration file")
	serialDevice = flag.String("serial", "/dev/ttymxc1", "Serial device path")
	baudRate     = flag.Int("baud", 115200, "Serial baud rate")
	redisAddr    = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass    = flag.String("redis-pass", "", "Redis password")
	redisDB      = flag.Int("redis-db", 0, "Redis database number")
	logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	sendCommand  = flag.String("command", "", "Push a command to the running service and exit")
)

func loadConfig() *config.Config {
	var cfg *config.Config
	if *configPath != "" {
		c, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = c
	} else {
		cfg = config.Default()
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "serial":
			cfg.Serial.Device = *serialDevice
		case "baud":
			cfg.Serial.Baud = *baudRate
		case "redis-addr":
			cfg.Redis.Addr = *redisAddr
		case "redis-pass":
			cfg.Redis.Password = *redisPass
		case "redis-db":
			cfg.Redis.DB = *redisDB
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})

	if err := config.Validate(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	config.Normalize(cfg)
	return cfg
}

func main() {
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000000"})
	cfg := loadConfig()
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.Log.Level, err)
	}
	log.SetLevel(level)

	redisClient, err := redis.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	if *sendCommand != "" {
		if err := redisClient.LPush(cfg.Redis.Commands, *sendCommand); err != nil {
			log.Fatalf("Failed to queue command: %v", err)
		}
		log.Infof("Queued command %q on %s", *sendCommand, cfg.Redis.Commands)
		return
	}

	log.Info("Starting DFU Service")
	log.Infof("Serial device: %s", cfg.Serial.Device)
	log.Infof("Baud rate: %d", cfg.Serial.Baud)
	log.Infof("Redis address: %s", cfg.Redis.Addr)

	dfuCfg, err := cfg.ToDFU()
	if err != nil {
		log.Fatalf("Invalid transfer configuration: %v", err)
	}
	dfuCfg.Logger = log.StandardLogger()

	devices, err := config.OpenDevices(cfg)
	if err != nil {
		log.Fatalf("Failed to open slot storage: %v", err)
	}
	defer devices.Close()

	queue := events.NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.New(dfuCfg, queue, service.Options{
		Publisher:   redis.NewPublisher(redisClient, cfg.Redis.Hash, cfg.Redis.DedupeTTL),
		Commands:    redisClient,
		CommandList: cfg.Redis.Commands,
		Slots:       cfg.Slots,
	})
	if err != nil {
		log.Fatalf("Failed to create DFU service: %v", err)
	}
	defer svc.DFU().Close()

	for i, dev := range devices.Slots {
		if err := svc.DFU().Assign(i, dev); err != nil {
			log.Fatalf("Failed to assign slot %d: %v", i, err)
		}
		log.Infof("Slot %d: %s backend, %d bytes", i, cfg.Slots[i].Backend, dev.Size())
	}

	queueDone := make(chan struct{})
	go func() {
		queue.Run(ctx)
		close(queueDone)
	}()

	sock, err := usock.New(cfg.Serial.Device, cfg.Serial.Baud, svc.HandleUSockMessage)
	if err != nil {
		log.Fatalf("Failed to connect to nRF52 via USOCK: %v", err)
	}
	svc.SetUSock(sock)
	log.Info("Connected to nRF52 via USOCK")

	go svc.WatchRedisCommands()

	if err := svc.InitializeNRF52(); err != nil {
		log.Warnf("Error during nRF52 initialization sequence: %v", err)
	}
	queue.Call(svc.PublishState)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	svc.Stop()
	if err := sock.Close(); err != nil {
		log.Warnf("Error closing serial port: %v", err)
	}
	queue.Close()
	<-queueDone
}
