package main

import (
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type NetworkPayload struct {
	address net.Addr
	data    []byte
	recv    time.Time
}

// Source converts the sender socket address into a peer address.
func (p *NetworkPayload) Source() (Address, error) {
	return addressFromUDP(p.address)
}

// NetworkWorker drains datagrams from one listen socket into the
// shared payload channel. The channel is owned by the listen
// supervisor; this worker never closes it.
type NetworkWorker struct {
	*Worker

	listen        ListenConfig
	outputChannel chan<- *NetworkPayload
	packetConn    net.PacketConn

	Errors          uint64
	ReceivedPackets uint64
}

func NewNetworkWorker(listen ListenConfig, out chan<- *NetworkPayload) *NetworkWorker {
	return &NetworkWorker{
		Worker: NewWorker("listener " + listen.HostPort()),

		listen:        listen,
		outputChannel: out,
	}
}

func (w *NetworkWorker) Init() error {
	var err error

	w.packetConn, err = net.ListenPacket("udp", w.listen.HostPort())
	if err != nil {
		// binding happens before privilege drop; a listener that
		// cannot bind leaves the daemon useless
		log.Fatalf("listener setup of %s failed: %v", w.listen.HostPort(), err)
	}
	w.Log("listening on ", w.packetConn.LocalAddr())

	if w.listen.BufferSize > 0 {
		if pc, ok := w.packetConn.(*net.UDPConn); ok {
			pc.SetReadBuffer(w.listen.BufferSize)
		}
	}

	return nil
}

func (w *NetworkWorker) Run() error {
	inboundBuffer := make([]byte, 65536)
	for !w.exiting {
		n, addr, err := w.packetConn.ReadFrom(inboundBuffer)
		if err != nil {
			if strings.HasSuffix(err.Error(), ": use of closed network connection") {
				w.Log("socket closed")
				return nil
			}

			w.Errors++
			return err
		}
		w.ReceivedPackets++

		payload := &NetworkPayload{address: addr, recv: time.Now()}
		payload.data = make([]byte, n)
		copy(payload.data, inboundBuffer)

		w.outputChannel <- payload
	}

	return nil
}

func (w *NetworkWorker) Close() {
	w.packetConn.Close()
}

func (w *NetworkWorker) Shutdown() {
	w.Worker.Shutdown()

	w.packetConn.Close()
}

func (w *NetworkWorker) Stats() []Stats {
	return []Stats{
		{
			w.name: []Stats{
				{
					"Errors":          w.Errors,
					"ReceivedPackets": w.ReceivedPackets,
				},
			},
		},
	}
}

// ListenMainWorker owns the listen socket set and the shared payload
// channel. On reconfiguration it receives the new listen set, closes
// the old sockets and spawns fresh listener workers.
type ListenMainWorker struct {
	*Worker

	listen        []ListenConfig
	outputChannel chan *NetworkPayload
	updateChannel <-chan []ListenConfig
	quit          chan struct{}

	mu      sync.Mutex
	workers []*NetworkWorker
}

func NewListenMainWorker(listen []ListenConfig, out chan *NetworkPayload, updates <-chan []ListenConfig) *ListenMainWorker {
	return &ListenMainWorker{
		Worker: NewWorker("listen"),

		listen:        listen,
		outputChannel: out,
		updateChannel: updates,
		quit:          make(chan struct{}),
	}
}

func (w *ListenMainWorker) Run() error {
	defer close(w.outputChannel)

	w.replace(w.listen)

	for {
		select {
		case <-w.quit:
			return w.drain()
		case update, ok := <-w.updateChannel:
			if !ok {
				return w.drain()
			}
			w.Log("rebuilding listener set")
			w.closeAll()
			w.replace(update)
		}
	}
}

// drain closes all sockets and consumes any in-flight payloads so
// listener goroutines blocked on the shared channel can finish.
func (w *ListenMainWorker) drain() error {
	w.closeAll()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	for {
		select {
		case <-w.outputChannel:
		case <-done:
			return nil
		}
	}
}

func (w *ListenMainWorker) replace(listen []ListenConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.workers = make([]*NetworkWorker, 0, len(listen))
	for _, l := range listen {
		worker := NewNetworkWorker(l, w.outputChannel)
		w.Spawn(worker)
		w.workers = append(w.workers, worker)
	}
}

func (w *ListenMainWorker) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, worker := range w.workers {
		worker.Close()
	}
}

func (w *ListenMainWorker) Shutdown() {
	w.Worker.Shutdown()

	close(w.quit)
}
