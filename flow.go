package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// FieldMask selects which optional sub-records are present in a stored
// flow. The bit order is the canonical sub-record order of the log
// format and is a stable on-disk contract.
type FieldMask uint32

const (
	FieldTag FieldMask = 1 << iota
	FieldRecvTime
	FieldProtoFlagsTos
	FieldAgentAddr4
	FieldAgentAddr6
	FieldSrcAddr4
	FieldSrcAddr6
	FieldDstAddr4
	FieldDstAddr6
	FieldGatewayAddr4
	FieldGatewayAddr6
	FieldSrcDstPort
	FieldPackets
	FieldOctets
	FieldIfIndices
	FieldAgentInfo
	FieldFlowTimes
	FieldASInfo
	FieldFlowEngineInfo

	FieldAll FieldMask = 1<<19 - 1
)

const (
	FieldAgentAddr   = FieldAgentAddr4 | FieldAgentAddr6
	FieldSrcAddr     = FieldSrcAddr4 | FieldSrcAddr6
	FieldDstAddr     = FieldDstAddr4 | FieldDstAddr6
	FieldGatewayAddr = FieldGatewayAddr4 | FieldGatewayAddr6
)

// fieldNames maps config-facing names to mask bits. The merged
// address names select both families; the store mask is intersected
// with what the decoder produced, so the unused family bit is inert.
var fieldNames = map[string]FieldMask{
	"TAG":              FieldTag,
	"RECV_TIME":        FieldRecvTime,
	"PROTO_FLAGS_TOS":  FieldProtoFlagsTos,
	"AGENT_ADDR":       FieldAgentAddr,
	"SRC_ADDR":         FieldSrcAddr,
	"DST_ADDR":         FieldDstAddr,
	"GATEWAY_ADDR":     FieldGatewayAddr,
	"SRCDST_PORT":      FieldSrcDstPort,
	"PACKETS":          FieldPackets,
	"OCTETS":           FieldOctets,
	"IF_INDICES":       FieldIfIndices,
	"AGENT_INFO":       FieldAgentInfo,
	"FLOW_TIMES":       FieldFlowTimes,
	"AS_INFO":          FieldASInfo,
	"FLOW_ENGINE_INFO": FieldFlowEngineInfo,
	"ALL":              FieldAll,
}

func ParseFieldMask(names []string) (FieldMask, error) {
	if len(names) == 0 {
		return FieldAll, nil
	}

	var mask FieldMask
	for _, name := range names {
		bits, ok := fieldNames[strings.ToUpper(name)]
		if !ok {
			return 0, errors.Errorf("unknown store field %q", name)
		}
		mask |= bits
	}

	return mask, nil
}

// FlowRecord is the canonical in-memory flow shared by the decoders,
// the filter and the log writer. All values are host byte order;
// conversion to the log's network byte order happens only in store.go.
type FlowRecord struct {
	Fields FieldMask
	Tag    uint32

	RecvSecs uint32

	TCPFlags uint8
	Protocol uint8
	TOS      uint8

	AgentAddr   Address
	SrcAddr     Address
	DstAddr     Address
	GatewayAddr Address

	SrcPort uint16
	DstPort uint16

	Packets uint64
	Octets  uint64

	IfIndexIn  uint16
	IfIndexOut uint16

	SysUptimeMS    uint32
	TimeSec        uint32
	TimeNanosec    uint32
	NetflowVersion uint16

	FlowStart  uint32
	FlowFinish uint32

	SrcAS   uint16
	DstAS   uint16
	SrcMask uint8
	DstMask uint8

	EngineType   uint8
	EngineID     uint8
	FlowSequence uint32
}

// BriefString renders the one-line form used for verbose flow logging.
func (r *FlowRecord) BriefString() string {
	var b strings.Builder

	fmt.Fprintf(&b, "proto %d", r.Protocol)
	fmt.Fprintf(&b, " %s:%d -> %s:%d", r.SrcAddr, r.SrcPort, r.DstAddr, r.DstPort)
	fmt.Fprintf(&b, " %d packets %d octets", r.Packets, r.Octets)
	if r.Fields&FieldAgentAddr != 0 {
		fmt.Fprintf(&b, " agent %s", r.AgentAddr)
	}
	if r.Fields&FieldTag != 0 {
		fmt.Fprintf(&b, " tag %d", r.Tag)
	}

	return b.String()
}
