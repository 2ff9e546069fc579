package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFlow(t *testing.T) {
	rec := testFlowRecord()
	rec.Tag = 3

	flow := NewFlow(rec)
	assert.Equal(t, "192.0.2.1", flow.Host)
	assert.Equal(t, uint32(3), flow.Tag)
	assert.Equal(t, uint8(4), flow.IpVersion)
	assert.Equal(t, uint8(6), flow.TransportProtocolRaw)
	assert.Equal(t, "10.0.0.1", flow.SourceAddress)
	assert.Equal(t, "10.0.1.1", flow.DestinationAddress)
	assert.Equal(t, uint16(4321), flow.SourcePortRaw)
	assert.Equal(t, uint16(80), flow.DestinationPortRaw)
	assert.Equal(t, "2", flow.SourceInterface)
	assert.Equal(t, "3", flow.DestinationInterface)
	assert.Equal(t, uint32(64500), flow.SourceAs)
	assert.Equal(t, uint64(100), flow.Packets)
	assert.Equal(t, uint64(54321), flow.Bytes)
}

func TestDatabaseRowStatement(t *testing.T) {
	row := NewDatabaseRow(NewFlow(testFlowRecord()))

	fields := row.Fields()
	values := row.Values()
	require.Equal(t, len(fields), len(values))

	statement := row.InsertStatement("flows")
	assert.True(t, strings.HasPrefix(statement, "INSERT INTO flows ("))
	assert.Equal(t, len(fields), strings.Count(statement, "?"))
	for _, field := range fields {
		assert.Contains(t, statement, field)
	}

	assert.Equal(t, "192.0.2.1", values[0])
}

func TestIanaWorker(t *testing.T) {
	in := make(chan *Flow, 2)
	out := make(chan *Flow, 2)

	worker := NewIanaWorker(0, in, out)

	flow := NewFlow(testFlowRecord())
	in <- flow

	unknown := NewFlow(testFlowRecord())
	unknown.TransportProtocolRaw = 253
	in <- unknown
	close(in)

	require.NoError(t, worker.Run())

	resolved := <-out
	assert.Equal(t, "tcp", resolved.TransportProtocol)
	assert.Equal(t, "http", resolved.DestinationPort)
	assert.Equal(t, "unknown", resolved.SourcePort)

	resolved = <-out
	assert.Equal(t, "unknown", resolved.TransportProtocol)
}
