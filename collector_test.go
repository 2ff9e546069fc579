package main

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testMonitor stands in for the privileged helper.
type testMonitor struct {
	path string
	done chan struct{}
}

func newTestMonitor(path string) *testMonitor {
	return &testMonitor{path: path, done: make(chan struct{})}
}

func (m *testMonitor) OpenLog() (*os.File, error) {
	return os.OpenFile(m.path, os.O_RDWR|os.O_CREATE, 0600)
}

func (m *testMonitor) Reconfigure() (*Config, error) {
	return nil, errors.New("not configured in tests")
}

func (m *testMonitor) Done() <-chan struct{} {
	return m.done
}

func newTestCollector(t *testing.T, config *Config) (*CollectorWorker, string) {
	path := filepath.Join(t.TempDir(), "flows.log")

	if config == nil {
		config = &Config{MaxPeers: DefaultMaxPeers, storeMask: FieldAll}
	}

	worker := NewCollectorWorker(newTestMonitor(path), config, newControlChannels(), nil, nil)
	require.NoError(t, worker.Init())

	return worker, path
}

func payloadFrom(source string, data []byte) *NetworkPayload {
	return &NetworkPayload{
		address: &net.UDPAddr{IP: net.ParseIP(source), Port: 2055},
		data:    data,
		recv:    time.Now(),
	}
}

func readBackFlows(t *testing.T, path string) []*FlowRecord {
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	require.NoError(t, CheckFlowLogHeader(file))

	var flows []*FlowRecord
	for {
		rec, err := DecodeFlow(file)
		if err == io.EOF {
			return flows
		}
		require.NoError(t, err)
		flows = append(flows, rec)
	}
}

func TestCollectorFreshStart(t *testing.T) {
	worker, path := newTestCollector(t, nil)

	worker.processPacket(payloadFrom("192.0.2.1", buildV5Packet(2, 2)))
	worker.closeStore()

	flows := readBackFlows(t, path)
	require.Len(t, flows, 2)
	assert.Equal(t, "10.0.0.1", flows[0].SrcAddr.String())
	assert.Equal(t, "10.0.0.2", flows[1].SrcAddr.String())

	peer := worker.peers.Find(mustAddress("192.0.2.1"))
	require.NotNil(t, peer)
	assert.Equal(t, uint64(1), peer.Packets)
	assert.Equal(t, uint64(2), peer.Flows)
	assert.Equal(t, uint16(5), peer.LastVersion)
	assert.Zero(t, peer.Invalid)
}

func TestCollectorUnsupportedVersion(t *testing.T) {
	worker, path := newTestCollector(t, nil)

	data := make([]byte, 32)
	data[1] = 9
	worker.processPacket(payloadFrom("192.0.2.1", data))
	worker.closeStore()

	assert.Empty(t, readBackFlows(t, path))

	// the peer is created, but unsupported versions do not count as
	// invalid packets
	peer := worker.peers.Find(mustAddress("192.0.2.1"))
	require.NotNil(t, peer)
	assert.Zero(t, peer.Invalid)
	assert.Zero(t, peer.Packets)
	assert.Equal(t, uint64(1), worker.Unsupported)
}

func TestCollectorIPv6Exporter(t *testing.T) {
	worker, path := newTestCollector(t, nil)

	worker.processPacket(payloadFrom("2001:db8::5", buildV5Packet(1, 1)))
	worker.processPacket(payloadFrom("192.0.2.1", buildV5Packet(1, 1)))
	worker.closeStore()

	// the 16-byte agent address must not desync the record framing
	flows := readBackFlows(t, path)
	require.Len(t, flows, 2)
	assert.Equal(t, "2001:db8::5", flows[0].AgentAddr.String())
	assert.NotZero(t, flows[0].Fields&FieldAgentAddr6)
	assert.Zero(t, flows[0].Fields&FieldAgentAddr4)
	assert.Equal(t, "192.0.2.1", flows[1].AgentAddr.String())
	assert.NotZero(t, flows[1].Fields&FieldAgentAddr4)

	require.NotNil(t, worker.peers.Find(mustAddress("2001:db8::5")))
}

func TestCollectorMalformedPackets(t *testing.T) {
	worker, path := newTestCollector(t, nil)
	source := "192.0.2.1"

	// shorter than the common header
	worker.processPacket(payloadFrom(source, []byte{0, 5}))
	// declared flow count does not match the length
	worker.processPacket(payloadFrom(source, buildV5Packet(3, 1)))
	// truncated record
	pkt := buildV5Packet(1, 1)
	worker.processPacket(payloadFrom(source, pkt[:len(pkt)-1]))
	worker.closeStore()

	assert.Empty(t, readBackFlows(t, path))

	peer := worker.peers.Find(mustAddress(source))
	require.NotNil(t, peer)
	assert.Equal(t, uint64(3), peer.Invalid)
	assert.Zero(t, peer.Packets)
	assert.Zero(t, peer.Flows)
}

func TestCollectorLRUEviction(t *testing.T) {
	worker, _ := newTestCollector(t, &Config{MaxPeers: 2, storeMask: FieldAll})
	defer worker.closeStore()

	worker.processPacket(payloadFrom("192.0.2.1", buildV1Packet(1, 1)))
	worker.processPacket(payloadFrom("192.0.2.2", buildV1Packet(1, 1)))
	worker.processPacket(payloadFrom("192.0.2.3", buildV1Packet(1, 1)))

	assert.Equal(t, 2, worker.peers.Len())
	assert.Nil(t, worker.peers.Find(mustAddress("192.0.2.1")))
	assert.NotNil(t, worker.peers.Find(mustAddress("192.0.2.2")))
	assert.NotNil(t, worker.peers.Find(mustAddress("192.0.2.3")))
	assert.Equal(t, uint64(1), worker.peers.Forced)
}

func TestCollectorReopenMidStream(t *testing.T) {
	worker, path := newTestCollector(t, nil)

	worker.processPacket(payloadFrom("192.0.2.1", buildV5Packet(1, 1)))

	// USR1: close now, reopen lazily before the next append
	worker.handleReopen()
	require.Nil(t, worker.store)
	require.NoError(t, worker.openStore())

	worker.processPacket(payloadFrom("192.0.2.1", buildV5Packet(1, 1)))
	worker.closeStore()

	// exactly one header, both records intact
	assert.Len(t, readBackFlows(t, path), 2)
}

func TestCollectorMixedFamilyFlow(t *testing.T) {
	worker, path := newTestCollector(t, nil)

	rec := testFlowRecord()
	rec.DstAddr = mustAddress("2001:db8::1")
	worker.processFlow(rec)
	worker.closeStore()

	assert.Empty(t, readBackFlows(t, path))
	assert.Zero(t, worker.Flows)
}

func TestCollectorFilter(t *testing.T) {
	tag := uint32(9)
	config := &Config{
		MaxPeers:  DefaultMaxPeers,
		storeMask: FieldAll,
		rules: []*FilterRule{
			mustRule(t, FilterRuleConfig{Action: "discard", SourcePort: intPtr(4321)}),
			mustRule(t, FilterRuleConfig{Action: "accept", Tag: &tag}),
		},
	}
	worker, path := newTestCollector(t, config)

	discarded := testFlowRecord()
	worker.processFlow(discarded)

	accepted := testFlowRecord()
	accepted.SrcPort = 5555
	worker.processFlow(accepted)
	worker.closeStore()

	flows := readBackFlows(t, path)
	require.Len(t, flows, 1)
	assert.Equal(t, uint16(5555), flows[0].SrcPort)
	assert.NotZero(t, flows[0].Fields&FieldTag)
	assert.Equal(t, tag, flows[0].Tag)
	assert.Equal(t, uint64(1), worker.Discarded)
}

func TestCollectorStoreMaskApplied(t *testing.T) {
	config := &Config{
		MaxPeers:  DefaultMaxPeers,
		storeMask: FieldSrcAddr | FieldDstAddr | FieldOctets,
	}
	worker, path := newTestCollector(t, config)

	worker.processPacket(payloadFrom("192.0.2.1", buildV5Packet(1, 1)))
	worker.closeStore()

	flows := readBackFlows(t, path)
	require.Len(t, flows, 1)

	// the on-disk mask is a subset of decoder output and store mask
	assert.Zero(t, flows[0].Fields&^(config.storeMask))
	assert.Equal(t, FieldSrcAddr4|FieldDstAddr4|FieldOctets, flows[0].Fields)
	assert.Equal(t, uint64(54321), flows[0].Octets)
	assert.Zero(t, flows[0].Packets)
}

func TestControlRequestsCoalesce(t *testing.T) {
	control := newControlChannels()

	// two signals in quick succession collapse into one request
	control.requestReopen()
	control.requestReopen()

	select {
	case <-control.reopen:
	default:
		t.Fatal("expected a pending reopen request")
	}
	select {
	case <-control.reopen:
		t.Fatal("reopen requests did not coalesce")
	default:
	}
}

func TestCollectorInfoDump(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	config := &Config{
		MaxPeers:  DefaultMaxPeers,
		storeMask: FieldAll,
		rules: []*FilterRule{
			mustRule(t, FilterRuleConfig{Action: "accept"}),
		},
	}
	worker, _ := newTestCollector(t, config)
	defer worker.closeStore()

	worker.processPacket(payloadFrom("192.0.2.3", buildV5Packet(1, 1)))
	worker.processPacket(payloadFrom("192.0.2.1", buildV5Packet(1, 1)))
	worker.processPacket(payloadFrom("192.0.2.2", buildV5Packet(1, 1)))

	hook.Reset()
	worker.handleInfo()

	var ruleLines, peerLines []string
	for _, entry := range hook.AllEntries() {
		switch {
		case strings.Contains(entry.Message, "filter rule:"):
			ruleLines = append(ruleLines, entry.Message)
		case strings.Contains(entry.Message, "packets"):
			peerLines = append(peerLines, entry.Message)
		}
	}

	assert.Len(t, ruleLines, 1)
	require.Len(t, peerLines, 3)
	// peers dump in ascending address order
	assert.Contains(t, peerLines[0], "192.0.2.1")
	assert.Contains(t, peerLines[1], "192.0.2.2")
	assert.Contains(t, peerLines[2], "192.0.2.3")
}
