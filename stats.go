package main

import (
	"encoding/json"
	"net"
	"net/http"
)

// StatsWorker serves the runtime state of the whole worker tree as
// JSON over HTTP.
type StatsWorker struct {
	*Worker

	address    string
	listener   net.Listener
	mainWorker WorkerInterface
	server     *http.Server

	Errors   uint64
	Requests uint64
}

func NewStatsWorker(m WorkerInterface, address string) *StatsWorker {
	return &StatsWorker{
		Worker: NewWorker("stats"),

		address:    address,
		mainWorker: m,
	}
}

func (w *StatsWorker) Init() error {
	var err error

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(responseWriter http.ResponseWriter, r *http.Request) {
		w.Requests++

		if err := json.NewEncoder(responseWriter).Encode(w.mainWorker.Stats()); err != nil {
			w.Errors++
			w.Log(err)
		}
	})

	w.listener, err = net.Listen("tcp", w.address)
	if err != nil {
		w.Errors++
		return err
	}
	w.Log("listening on ", w.listener.Addr())

	w.server = &http.Server{Handler: mux}

	return nil
}

func (w *StatsWorker) Run() error {
	if err := w.server.Serve(w.listener); err != nil {
		if err == http.ErrServerClosed {
			w.Log("server closed")
			return nil
		}
		w.Errors++
		return err
	}
	return nil
}

func (w *StatsWorker) Shutdown() {
	w.Worker.Shutdown()

	w.server.Close()
}

func (w *StatsWorker) Stats() []Stats {
	return []Stats{
		{
			w.name: []Stats{
				{
					"Errors":   w.Errors,
					"Requests": w.Requests,
				},
			},
		},
	}
}
