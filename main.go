package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"mixbridge/internal/bridge"
	"mixbridge/internal/config"
	"mixbridge/internal/discovery"
	"mixbridge/internal/mapping"
	"mixbridge/internal/midimux"
	"mixbridge/internal/mixer"
	"mixbridge/internal/reconnect"
	"mixbridge/internal/uiproto"
)

func main() {
	configPath := flag.String("config", "", "config file path (default: platform config dir)")
	mixerAddr := flag.String("mixer", "", "mixer address, overrides the configured one")
	discover := flag.Bool("discover", false, "scan for mixers and exit")
	scanTimeout := flag.Duration("scan-timeout", 5*time.Second, "discovery scan duration")
	verbose := flag.BoolP("verbose", "v", false, "debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if *discover {
		runDiscovery(*scanTimeout)
		return
	}

	// Load configuration
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	engine := mapping.NewEngine()
	if err := engine.ReplaceAll(cfg.Rules); err != nil {
		logrus.WithError(err).Fatal("failed to load rule set")
	}

	ports := midimux.NewDriverPorts()
	defer ports.Close()
	mux := midimux.New(ports)
	defer mux.Close()

	sup := mixer.NewSupervisor(uiproto.Dialer{})
	defer sup.Disconnect()

	bridge.New(engine, mux, sup, bridge.Callbacks{
		OnDeviceLost: func(device string) {
			logrus.WithField("device", device).Warn("midi device lost")
		},
		OnMixerLost: func(addr string) {
			logrus.WithField("addr", addr).Warn("mixer connection lost")
		},
	})

	rec := reconnect.New(mux, sup)
	rec.SetPreferredDevices(cfg.PreferredDevices)
	addr := cfg.MixerAddress
	if *mixerAddr != "" {
		addr = *mixerAddr
	}
	rec.SetPreferredAddr(addr)
	rec.OnConnectionRestored(func(addr string) {
		logrus.WithField("addr", addr).Info("mixer connection restored")
	})
	rec.Start()
	defer rec.Stop()

	if addr != "" {
		if err := rec.UserConnect(context.Background(), addr); err != nil {
			// The reconnect loop keeps retrying; startup continues MIDI-only
			logrus.WithError(err).Warn("initial mixer connect failed")
		}
	}

	logrus.WithFields(logrus.Fields{
		"devices": cfg.PreferredDevices,
		"mixer":   addr,
		"rules":   len(cfg.Rules),
	}).Info("bridge running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logrus.Info("shutting down")
}

// runDiscovery scans for mixers and prints each one as it answers
func runDiscovery(timeout time.Duration) {
	scanner := discovery.NewScanner(uiproto.AnnounceSource{})
	results, err := scanner.Scan(context.Background(), timeout, func(c discovery.Candidate) {
		fmt.Printf("found %s  model=%s  serial=%s  %s\n", c.IP, c.Model, c.Serial, c.Name)
	})
	if err != nil {
		logrus.WithError(err).Fatal("discovery failed")
	}
	if len(results) == 0 {
		fmt.Println("no mixers found")
	}
}
