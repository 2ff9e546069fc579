package main

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

// controlChannels carries the signal-driven control requests:
// capacity-1 channels written with non-blocking sends, so repeated
// signals coalesce into a single pending request. The signal
// dispatcher only ever touches these channels.
type controlChannels struct {
	reopen chan struct{}
	info   chan struct{}
	reconf chan *Config
}

func newControlChannels() *controlChannels {
	return &controlChannels{
		reopen: make(chan struct{}, 1),
		info:   make(chan struct{}, 1),
		reconf: make(chan *Config, 1),
	}
}

func (c *controlChannels) requestReopen() {
	select {
	case c.reopen <- struct{}{}:
	default:
	}
}

func (c *controlChannels) requestInfo() {
	select {
	case c.info <- struct{}{}:
	default:
	}
}

func (c *controlChannels) requestReconf(config *Config) {
	// a second HUP before the first was handled just replaces the
	// pending configuration
	select {
	case <-c.reconf:
	default:
	}
	c.reconf <- config
}

// CollectorWorker is the receive loop: it owns the peer registry, the
// flow log and the filter, consumes payloads from the listeners and
// control requests from the signal dispatcher, and watches the
// monitor for helper exit.
type CollectorWorker struct {
	*Worker

	monitor       Monitor
	config        *Config
	control       *controlChannels
	peers         *Peers
	store         *FlowLog
	inputChannel  <-chan *NetworkPayload
	exportChannel chan<- *Flow
	quit          chan struct{}

	Packets     uint64
	Flows       uint64
	Invalid     uint64
	Unsupported uint64
	Discarded   uint64
}

func NewCollectorWorker(m Monitor, config *Config, control *controlChannels,
	in <-chan *NetworkPayload, export chan<- *Flow) *CollectorWorker {
	return &CollectorWorker{
		Worker: NewWorker("collector"),

		monitor:       m,
		config:        config,
		control:       control,
		inputChannel:  in,
		exportChannel: export,
		quit:          make(chan struct{}),
	}
}

func (w *CollectorWorker) Init() error {
	var err error

	w.peers, err = NewPeers(w.config.MaxPeers)
	if err != nil {
		return err
	}

	return w.openStore()
}

// openStore runs the log startup protocol through the monitor. Any
// failure here (open, header mismatch) leaves the daemon unable to
// preserve flows and is fatal.
func (w *CollectorWorker) openStore() error {
	file, err := w.monitor.OpenLog()
	if err != nil {
		log.Fatalf("flow log open failed: %v", err)
	}

	w.store, err = OpenFlowLog(file)
	if err != nil {
		file.Close()
		log.Fatalf("flow log: %v", err)
	}

	return nil
}

func (w *CollectorWorker) closeStore() {
	if w.store != nil {
		w.store.Close()
		w.store = nil
	}
}

func (w *CollectorWorker) Run() error {
	defer w.closeStore()
	if w.exportChannel != nil {
		defer close(w.exportChannel)
	}

	for {
		// pending control requests are handled before any packet work
		w.handlePendingControl()

		if w.store == nil {
			w.openStore()
		}

		select {
		case <-w.quit:
			return nil
		case <-w.monitor.Done():
			w.Log("monitor closed, exiting")
			return nil
		case <-w.control.reopen:
			w.handleReopen()
		case config := <-w.control.reconf:
			w.handleReconf(config)
		case <-w.control.info:
			w.handleInfo()
		case payload, ok := <-w.inputChannel:
			if !ok {
				return nil
			}
			w.processPacket(payload)
		}
	}
}

func (w *CollectorWorker) handlePendingControl() {
	for {
		select {
		case <-w.control.reopen:
			w.handleReopen()
		case config := <-w.control.reconf:
			w.handleReconf(config)
		case <-w.control.info:
			w.handleInfo()
		default:
			return
		}
	}
}

func (w *CollectorWorker) handleReopen() {
	w.Log("log reopen requested")
	w.closeStore()
}

// handleReconf installs an already-validated configuration. The
// listener set is rebuilt by the listen supervisor; here only the
// filter, store mask and log file change hands. Reconfiguration
// implies a log reopen.
func (w *CollectorWorker) handleReconf(config *Config) {
	w.Log("reconfiguration requested")
	w.config = config
	w.closeStore()
}

func (w *CollectorWorker) handleInfo() {
	for _, rule := range w.config.rules {
		log.Infof("filter rule: %s", rule)
	}
	w.peers.Dump()
}

func (w *CollectorWorker) processPacket(payload *NetworkPayload) {
	source, err := payload.Source()
	if err != nil {
		log.Warnf("invalid agent address: %v", err)
		return
	}

	peer := w.peers.Find(source)
	if peer == nil {
		peer = w.peers.Insert(source)
	}

	data := payload.data
	if len(data) < nfCommonHeaderLen {
		peer.Invalid++
		w.Invalid++
		log.Warnf("short packet %d bytes from %s", len(data), source)
		return
	}

	var flows []FlowRecord
	version := binary.BigEndian.Uint16(data[0:2])
	switch version {
	case 1:
		flows, err = parseNetflowV1(data, source, payload.recv)
	case 5:
		flows, err = parseNetflowV5(data, source, payload.recv)
	case 7:
		flows, err = parseNetflowV7(data, source, payload.recv)
	default:
		// unsupported versions do not count against the peer's
		// invalid counter; flagged for review
		w.Unsupported++
		log.Infof("unsupported netflow version %d from %s", version, source)
		return
	}

	if err != nil {
		peer.Invalid++
		w.Invalid++
		log.Warnf("netflow v.%d packet from %s: %v", version, source, err)
		return
	}

	log.Debugf("valid netflow v.%d packet, %d flows", version, len(flows))
	w.peers.Touch(peer, len(flows), version)
	w.Packets++

	for i := range flows {
		w.processFlow(&flows[i])
	}
}

func (w *CollectorWorker) processFlow(rec *FlowRecord) {
	if rec.SrcAddr.Family != rec.DstAddr.Family {
		log.Warnf("flow src(%d)/dst(%d) address family mismatch",
			rec.SrcAddr.Family, rec.DstAddr.Family)
		return
	}

	if w.options != nil && w.options.Debug {
		log.Debugf("flow %s", rec.BriefString())
	}

	action, tag, hasTag := EvaluateFilter(rec, w.config.rules)
	if action == FilterDiscard {
		w.Discarded++
		return
	}
	if hasTag {
		rec.Tag = tag
		rec.Fields |= FieldTag
	}

	if err := w.store.WriteFlow(rec, w.config.storeMask); err != nil {
		// TODO: reopen the log on a single write failure and only
		// exit after repeated failures; for now any failure is fatal
		log.Fatalf("flow log append: %v", err)
	}
	w.Flows++

	if w.exportChannel != nil {
		w.exportChannel <- NewFlow(rec)
	}
}

func (w *CollectorWorker) Shutdown() {
	w.Worker.Shutdown()

	close(w.quit)
}

func (w *CollectorWorker) Stats() []Stats {
	return []Stats{
		{
			w.name: []Stats{
				{
					"Packets":     w.Packets,
					"Flows":       w.Flows,
					"Invalid":     w.Invalid,
					"Unsupported": w.Unsupported,
					"Discarded":   w.Discarded,
				},
				{
					"Peers": w.peers.Stats(),
				},
			},
		},
	}
}
