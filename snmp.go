package main

import (
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/soniah/gosnmp"
)

const SnmpIfNameOid = ".1.3.6.1.2.1.31.1.1.1.1"

var SnmpAgentConfigNotFound = errors.New("SNMP configuration not found for target")

var SnmpAgentTooManyPdu = errors.New("SNMP GET returned too many PDUs")

type SnmpAgentConfig struct {
	Community       string
	IfNameCacheSize int
	Target          string
}

type SnmpAgent struct {
	*gosnmp.GoSNMP

	ifNameCache *lru.ARCCache

	CacheHits      uint64
	CacheMisses    uint64
	Errors         uint64
	LookupFailures uint64
}

func NewSnmpAgent(config SnmpAgentConfig) (*SnmpAgent, error) {
	var err error

	a := SnmpAgent{
		GoSNMP: &gosnmp.GoSNMP{
			Target:    config.Target,
			Port:      161,
			Community: config.Community,
			Version:   gosnmp.Version2c,
			Timeout:   time.Duration(2) * time.Second,
			Retries:   3,
			MaxOids:   gosnmp.MaxOids,
		},
	}

	if err := a.Connect(); err != nil {
		return nil, err
	}

	cacheSize := config.IfNameCacheSize
	if cacheSize <= 0 {
		cacheSize = 128
	}
	a.ifNameCache, err = lru.NewARC(cacheSize)
	if err != nil {
		return nil, err
	}

	return &a, nil
}

func (a *SnmpAgent) GetOne(oid string) (*gosnmp.SnmpPDU, error) {
	result, err := a.Get([]string{oid})
	if err != nil {
		return nil, err
	}

	if len(result.Variables) > 1 {
		return nil, SnmpAgentTooManyPdu
	}

	return &result.Variables[0], nil
}

func (a *SnmpAgent) GetIfName(ifIndex string) (string, error) {
	ifName := fmt.Sprintf("ifIndex %s", ifIndex)
	ifOid := strings.Join([]string{SnmpIfNameOid, ifIndex}, ".")

	cachedIfName, cached := a.ifNameCache.Get(ifOid)
	if cached {
		a.CacheHits++
		return cachedIfName.(string), nil
	}
	a.CacheMisses++

	pdu, err := a.GetOne(ifOid)
	if err != nil {
		return ifName, err
	}

	if pdu.Value == nil {
		a.LookupFailures++
	} else {
		ifName = string(pdu.Value.([]byte))
	}

	a.ifNameCache.Add(ifOid, ifName)
	return ifName, nil
}

type SnmpAgentCache struct {
	*lru.ARCCache

	agents map[string]SnmpAgentConfig
}

func NewSnmpAgentCache(size int, agents map[string]SnmpAgentConfig) (*SnmpAgentCache, error) {
	if size <= 0 {
		size = 128
	}
	newCache, err := lru.NewARC(size)
	if err != nil {
		return nil, err
	}

	return &SnmpAgentCache{
		ARCCache: newCache,

		agents: agents,
	}, nil
}

func (c *SnmpAgentCache) Get(key string) (*SnmpAgent, error) {
	if cachedAgent, cached := c.ARCCache.Get(key); cached {
		return cachedAgent.(*SnmpAgent), nil
	}

	agentConfig, found := c.agents[key]
	if !found {
		return nil, SnmpAgentConfigNotFound
	}

	newAgent, err := NewSnmpAgent(agentConfig)
	if err != nil {
		return nil, err
	}

	c.ARCCache.Add(key, newAgent)

	return newAgent, nil
}

type SnmpMainWorker struct {
	*Worker

	config        *SnmpSection
	inputChannel  <-chan *Flow
	outputChannel chan<- *Flow
}

func NewSnmpMainWorker(config *SnmpSection, in <-chan *Flow, out chan<- *Flow) *SnmpMainWorker {
	return &SnmpMainWorker{
		Worker: NewWorker("snmp"),

		config:        config,
		inputChannel:  in,
		outputChannel: out,
	}
}

func (w *SnmpMainWorker) Run() error {
	defer close(w.outputChannel)

	workers := w.config.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		w.Spawn(NewSnmpWorker(i, w.config, w.inputChannel, w.outputChannel))
	}

	w.Wait()
	return nil
}

func (w *SnmpMainWorker) Stats() []Stats {
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

type SnmpWorker struct {
	*Worker

	agents        *SnmpAgentCache
	config        *SnmpSection
	inputChannel  <-chan *Flow
	outputChannel chan<- *Flow

	Errors uint64
}

func NewSnmpWorker(i int, config *SnmpSection, in <-chan *Flow, out chan<- *Flow) *SnmpWorker {
	return &SnmpWorker{
		Worker: NewWorker(fmt.Sprintf("resolver %d", i)),

		config:        config,
		inputChannel:  in,
		outputChannel: out,
	}
}

func (w *SnmpWorker) Init() error {
	var err error

	w.agents, err = NewSnmpAgentCache(w.config.AgentCacheSize, w.config.Agents)
	if err != nil {
		return err
	}

	return nil
}

func (w *SnmpWorker) Run() error {
	for flow := range w.inputChannel {
		agent, err := w.agents.Get(flow.Host)
		if err != nil {
			// unconfigured exporters keep their numeric indices
			if err != SnmpAgentConfigNotFound {
				w.Errors++
				w.Log(err)
			}
			w.outputChannel <- flow
			continue
		}

		sourceIfName, err := agent.GetIfName(flow.SourceInterface)
		if err != nil {
			w.Errors++
			w.Log(err)
		}
		flow.SourceInterface = sourceIfName

		destinationIfName, err := agent.GetIfName(flow.DestinationInterface)
		if err != nil {
			w.Errors++
			w.Log(err)
		}
		flow.DestinationInterface = destinationIfName

		w.outputChannel <- flow
	}

	return nil
}

func (w *SnmpWorker) Stats() []Stats {
	agentsStats := make(map[string]Stats)
	if w.agents != nil {
		for _, k := range w.agents.Keys() {
			if i, found := w.agents.Peek(k); found {
				a := i.(*SnmpAgent)

				agentsStats[a.Target] = Stats{
					"CachedIfNames":  a.ifNameCache.Len(),
					"CacheHits":      a.CacheHits,
					"CacheMisses":    a.CacheMisses,
					"Errors":         a.Errors,
					"LookupFailures": a.LookupFailures,
				}
			}
		}
	}

	return []Stats{
		{
			w.name: []Stats{
				{
					"Agents": agentsStats,
					"Errors": w.Errors,
				},
			},
		},
	}
}
