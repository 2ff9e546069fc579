package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

func main() {
	options := NewOptions().SetFlags()
	if options.Help {
		flag.Usage()
		os.Exit(0)
	}

	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if options.Debug {
		log.SetLevel(log.DebugLevel)
	}

	config, err := LoadConfig(options.ConfigPath, options.Macros)
	if err != nil {
		log.Fatalf("%v", err)
	}

	monitor := NewProcessMonitor(options.ConfigPath, options.Macros, config.LogFile)

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM,
		syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)

	main := NewMainWorker(options, config, monitor, signalChannel)

	main.Run()

	main.Wait()
}

type MainWorker struct {
	*Worker

	config        *Config
	control       *controlChannels
	listenUpdates chan []ListenConfig
	monitor       Monitor
	signalChannel <-chan os.Signal
}

func NewMainWorker(o *Options, config *Config, m Monitor, in <-chan os.Signal) *MainWorker {
	return &MainWorker{
		Worker: NewRootWorker("main", o),

		config:        config,
		control:       newControlChannels(),
		listenUpdates: make(chan []ListenConfig),
		monitor:       m,
		signalChannel: in,
	}
}

func (w *MainWorker) Run() error {
	go w.handleSignals()

	payloadChannel := make(chan *NetworkPayload, w.config.QueueLength)

	// the export pipeline topology is fixed at startup; reconf only
	// touches the filter, store mask, log file and listener set
	var exportChannel chan *Flow
	if w.config.Database != nil {
		exportChannel = make(chan *Flow, w.config.Database.QueueLength)

		enriched := make(chan *Flow, w.config.Database.QueueLength)
		w.Spawn(NewIanaMainWorker(w.config.Database.Workers, exportChannel, enriched))
		current := enriched

		if w.config.Snmp != nil {
			next := make(chan *Flow, w.config.Database.QueueLength)
			w.Spawn(NewSnmpMainWorker(w.config.Snmp, current, next))
			current = next
		}

		if w.config.Geoip != nil {
			next := make(chan *Flow, w.config.Database.QueueLength)
			w.Spawn(NewGeoipMainWorker(w.config.Geoip, current, next))
			current = next
		}

		w.Spawn(NewMainDatabaseWorker(w.config.Database, current))
	}

	if w.config.Stats != nil && w.config.Stats.Address != "" {
		w.Spawn(NewStatsWorker(w, w.config.Stats.Address))
	}

	w.Spawn(NewCollectorWorker(w.monitor, w.config, w.control, payloadChannel, exportChannel))

	w.Spawn(NewListenMainWorker(w.config.Listen, payloadChannel, w.listenUpdates))

	w.Wait()
	return nil
}

func (w *MainWorker) handleSignals() {
	for sig := range w.signalChannel {
		switch sig {
		case syscall.SIGINT, syscall.SIGTERM:
			log.Infof("exiting on signal %d", sig)
			w.SigShutdown()
		case syscall.SIGHUP:
			// reconfiguration implies a log reopen; a failed reload
			// leaves the daemon without a coherent state to return to
			config, err := w.monitor.Reconfigure()
			if err != nil {
				log.Fatalf("reconfigure failed: %v", err)
			}
			w.config = config
			w.control.requestReconf(config)
			w.listenUpdates <- config.Listen
		case syscall.SIGUSR1:
			w.control.requestReopen()
		case syscall.SIGUSR2:
			w.control.requestInfo()
		}
	}
}
