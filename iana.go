package main

import (
	"fmt"
)

// IanaProtocol maps IP protocol numbers to their registered names.
var IanaProtocol = map[uint8]string{
	1:   "icmp",
	2:   "igmp",
	6:   "tcp",
	17:  "udp",
	41:  "ipv6",
	47:  "gre",
	50:  "esp",
	51:  "ah",
	58:  "ipv6-icmp",
	89:  "ospf",
	115: "l2tp",
	132: "sctp",
	136: "udplite",
}

// IanaPort maps well-known service ports per transport protocol.
var IanaPort = map[string]map[uint16]string{
	"tcp": {
		20:   "ftp-data",
		21:   "ftp",
		22:   "ssh",
		23:   "telnet",
		25:   "smtp",
		53:   "domain",
		80:   "http",
		110:  "pop3",
		143:  "imap",
		179:  "bgp",
		443:  "https",
		445:  "microsoft-ds",
		993:  "imaps",
		995:  "pop3s",
		3306: "mysql",
		5432: "postgresql",
	},
	"udp": {
		53:   "domain",
		67:   "bootps",
		68:   "bootpc",
		69:   "tftp",
		123:  "ntp",
		161:  "snmp",
		162:  "snmptrap",
		500:  "isakmp",
		514:  "syslog",
		1812: "radius",
		2055: "netflow",
		4500: "ipsec-nat-t",
	},
}

type IanaMainWorker struct {
	*Worker

	inputChannel  <-chan *Flow
	outputChannel chan<- *Flow
	workers       int
}

func NewIanaMainWorker(workers int, in <-chan *Flow, out chan<- *Flow) *IanaMainWorker {
	return &IanaMainWorker{
		Worker: NewWorker("iana"),

		inputChannel:  in,
		outputChannel: out,
		workers:       workers,
	}
}

func (w *IanaMainWorker) Run() error {
	defer close(w.outputChannel)

	for i := 0; i < w.workers; i++ {
		w.Spawn(NewIanaWorker(i, w.inputChannel, w.outputChannel))
	}

	w.Wait()
	return nil
}

func (w *IanaMainWorker) Stats() []Stats {
	return []Stats{
		{
			w.name: append([]Stats{
				{
					"Queue": len(w.inputChannel),
				},
			}, w.Worker.Stats()...),
		},
	}
}

type IanaWorker struct {
	*Worker

	inputChannel  <-chan *Flow
	outputChannel chan<- *Flow

	Hits   uint64
	Misses uint64
}

func NewIanaWorker(i int, in <-chan *Flow, out chan<- *Flow) *IanaWorker {
	return &IanaWorker{
		Worker: NewWorker(fmt.Sprintf("resolver %d", i)),

		inputChannel:  in,
		outputChannel: out,
	}
}

func (w *IanaWorker) Run() error {
	for flow := range w.inputChannel {
		transportProtocol := IanaProtocol[flow.TransportProtocolRaw]
		if transportProtocol == "" {
			w.Misses++
			flow.TransportProtocol = "unknown"
			w.outputChannel <- flow
			continue
		}
		w.Hits++
		flow.TransportProtocol = transportProtocol

		if portMap, ok := IanaPort[transportProtocol]; ok {
			if sourcePort := portMap[flow.SourcePortRaw]; sourcePort != "" {
				flow.SourcePort = sourcePort
			} else {
				flow.SourcePort = "unknown"
			}

			if destinationPort := portMap[flow.DestinationPortRaw]; destinationPort != "" {
				flow.DestinationPort = destinationPort
			} else {
				flow.DestinationPort = "unknown"
			}
		}

		w.outputChannel <- flow
	}

	return nil
}

func (w *IanaWorker) Stats() []Stats {
	return []Stats{
		{
			w.name: []Stats{
				{
					"Hits":   w.Hits,
					"Misses": w.Misses,
				},
			},
		},
	}
}
