package main

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
)

// Peer holds the per-exporter bookkeeping. The address is the
// registry key; the counters are only ever touched by the collector.
type Peer struct {
	From        Address
	Packets     uint64
	Flows       uint64
	Invalid     uint64
	FirstSeen   time.Time
	LastValid   time.Time
	LastVersion uint16
}

// Peers is the bounded exporter registry. NetFlow v9/IPFIX would
// require per-peer template state; until then the registry only
// carries counters, but the LRU bound already protects against an
// unbounded number of spoofed sources.
type Peers struct {
	cache    *lru.Cache
	MaxPeers int
	Forced   uint64
}

func NewPeers(maxPeers int) (*Peers, error) {
	p := &Peers{MaxPeers: maxPeers}

	var err error
	p.cache, err = lru.NewWithEvict(maxPeers, p.evict)
	if err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Peers) evict(key, value interface{}) {
	peer := value.(*Peer)
	p.Forced++
	log.Warnf("forced deletion of peer %s", peer.From)
}

// Find returns the peer for addr without disturbing its LRU position.
func (p *Peers) Find(addr Address) *Peer {
	value, ok := p.cache.Peek(addr)
	if !ok {
		return nil
	}
	return value.(*Peer)
}

// Insert creates a new peer at the head of the LRU order, evicting
// the least recently updated peer when the registry is full. The
// address must not already be present.
func (p *Peers) Insert(addr Address) *Peer {
	peer := &Peer{
		From:      addr,
		FirstSeen: time.Now(),
	}

	log.Debugf("new peer %s", addr)
	p.cache.Add(addr, peer)

	return peer
}

// Touch records a valid packet: the peer moves to the head of the LRU
// order and its counters are updated.
func (p *Peers) Touch(peer *Peer, nflows int, version uint16) {
	p.cache.Get(peer.From)

	peer.LastValid = time.Now()
	peer.Packets++
	peer.Flows += uint64(nflows)
	peer.LastVersion = version
	log.Debugf("update peer %s", peer.From)
}

func (p *Peers) Len() int {
	return p.cache.Len()
}

// sortedPeers returns all peers in ascending address order.
func (p *Peers) sortedPeers() []*Peer {
	peers := make([]*Peer, 0, p.cache.Len())
	for _, key := range p.cache.Keys() {
		if value, ok := p.cache.Peek(key); ok {
			peers = append(peers, value.(*Peer))
		}
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].From.Compare(peers[j].From) < 0
	})

	return peers
}

// Dump writes a per-peer summary in address order plus one aggregate
// line to the log sink.
func (p *Peers) Dump() {
	log.Infof("peer state: %d of %d in use, %d forced deletions",
		p.cache.Len(), p.MaxPeers, p.Forced)

	for i, peer := range p.sortedPeers() {
		log.Infof("peer %d - %s: %d packets %d flows %d invalid",
			i, peer.From, peer.Packets, peer.Flows, peer.Invalid)
		log.Infof("peer %d - %s: first seen %s", i, peer.From,
			peer.FirstSeen.Format("2006-01-02T15:04:05.000"))
		log.Infof("peer %d - %s: last valid %s netflow v.%d", i, peer.From,
			peer.LastValid.Format("2006-01-02T15:04:05.000"), peer.LastVersion)
	}
}

// Stats summarizes the registry for the stats endpoint.
func (p *Peers) Stats() []Stats {
	peers := make([]Stats, 0, p.cache.Len())
	for _, peer := range p.sortedPeers() {
		peers = append(peers, Stats{
			"Address":     peer.From.String(),
			"Packets":     peer.Packets,
			"Flows":       peer.Flows,
			"Invalid":     peer.Invalid,
			"FirstSeen":   peer.FirstSeen,
			"LastValid":   peer.LastValid,
			"LastVersion": peer.LastVersion,
		})
	}

	return []Stats{
		{
			"MaxPeers": p.MaxPeers,
			"NumPeers": p.cache.Len(),
			"Forced":   p.Forced,
			"Peers":    peers,
		},
	}
}
