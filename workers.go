package main

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var InitializationError = errors.New("worker has not been properly initialized")

type Stats map[string]interface{}

// Worker is the supervision node underneath every stage of the
// collector pipeline: listeners, the collector itself, the export
// chain and the stats endpoint. Each worker carries the
// slash-separated path identifying it in log lines and in the stats
// tree, the shutdown latch shared with the control plane, and the
// wait group covering its spawned children.
type Worker struct {
	children     []WorkerInterface
	entry        *log.Entry
	exiting      bool
	name         string
	options      *Options
	parent       *Worker
	path         string
	shutdown     chan struct{}
	shutdownOnce *sync.Once
	waitGroup    *sync.WaitGroup
}

func NewWorker(n string) *Worker {
	return &Worker{
		children:  make([]WorkerInterface, 0),
		entry:     log.WithField("worker", n),
		name:      n,
		path:      n,
		waitGroup: new(sync.WaitGroup),
	}
}

// NewRootWorker builds the tree root: the only worker whose options
// and shutdown latch are not inherited from a parent.
func NewRootWorker(n string, o *Options) *Worker {
	w := NewWorker(n)
	w.options = o
	w.shutdown = make(chan struct{})
	w.shutdownOnce = new(sync.Once)
	return w
}

func (w *Worker) Init() error {
	if w.options == nil || w.shutdown == nil {
		return InitializationError
	}
	return nil
}

func (w *Worker) Log(a ...interface{}) {
	w.entry.Info(fmt.Sprint(a...))
}

func (w *Worker) SetParent(p *Worker) {
	w.parent = p
	w.options = p.options
	w.shutdown = p.shutdown
	w.shutdownOnce = p.shutdownOnce
	w.path = p.path + "/" + w.name
	w.entry = log.WithField("worker", w.path)
}

func (w *Worker) Spawn(c WorkerInterface) {
	c.SetParent(w)

	if err := c.Init(); err != nil {
		c.Log(fmt.Sprintf("%T: %+v", err, err))
		w.SigShutdown()
		return
	}

	go c.Shutdown()

	w.children = append(w.children, c)

	w.waitGroup.Add(1)
	go func() {
		defer w.waitGroup.Done()

		if err := c.Run(); err != nil {
			c.Log(fmt.Sprintf("%T: %+v", err, err))
			w.SigShutdown()
		}
	}()
}

// SigShutdown releases the shared shutdown latch; every worker blocked
// in Shutdown wakes at once. Later calls are no-ops, so a second
// signal during teardown is harmless.
func (w *Worker) SigShutdown() {
	w.shutdownOnce.Do(func() {
		close(w.shutdown)
	})
}

func (w *Worker) Shutdown() {
	<-w.shutdown
	w.exiting = true
}

func (w *Worker) Stats() []Stats {
	stats := make([]Stats, 0)
	for _, c := range w.children {
		stats = append(stats, c.Stats()...)
	}

	return stats
}

func (w *Worker) Wait() {
	w.waitGroup.Wait()
}

type WorkerInterface interface {
	Log(...interface{})
	Init() error
	Run() error
	SetParent(*Worker)
	Shutdown()
	Stats() []Stats
	Wait()
}
