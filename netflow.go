package main

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// Packet geometries for the classic fixed-layout NetFlow versions.
// The maximum flow counts are the canonical Cisco limits for each
// version; anything above them cannot fit a normal export datagram.
const (
	nfCommonHeaderLen = 4 // 16-bit version + 16-bit flow count

	nf1HeaderLen = 16
	nf1RecordLen = 48
	nf1MaxFlows  = 24

	nf5HeaderLen = 24
	nf5RecordLen = 48
	nf5MaxFlows  = 30

	nf7HeaderLen = 24
	nf7RecordLen = 52
	nf7MaxFlows  = 28
)

// checkNetflowPacket enforces the three structural checks shared by
// all fixed-layout versions: minimum header length, sane flow count,
// and an exact match between the datagram length and the length
// implied by the flow count. It returns the flow count.
func checkNetflowPacket(buf []byte, headerLen, recordLen, maxFlows int) (int, error) {
	if len(buf) < headerLen {
		return 0, errors.Errorf("short packet, %d bytes", len(buf))
	}

	nflows := int(binary.BigEndian.Uint16(buf[2:4]))
	if nflows == 0 || nflows > maxFlows {
		return 0, errors.Errorf("invalid number of flows (%d)", nflows)
	}

	if want := headerLen + nflows*recordLen; len(buf) != want {
		return 0, errors.Errorf("inconsistent packet, len %d expected %d", len(buf), want)
	}

	return nflows, nil
}

// decodeFlowCommon fills the record fields whose wire offsets are
// identical in v1, v5 and v7: addresses, interface indices, counters,
// uptime timestamps and ports (bytes 0-35 of the flow record). The
// wire-embedded src/dst/gateway addresses are always IPv4, but the
// exporter itself may talk either family, so the agent-address bit
// follows the source address of the datagram.
func decodeFlowCommon(rec []byte, agent Address, flow *FlowRecord) {
	flow.SrcAddr, _ = NewAddressFromBytes(rec[0:4])
	flow.DstAddr, _ = NewAddressFromBytes(rec[4:8])
	flow.GatewayAddr, _ = NewAddressFromBytes(rec[8:12])

	flow.AgentAddr = agent
	if agent.Family == AddressFamilyIPv6 {
		flow.Fields |= FieldAgentAddr6
	} else {
		flow.Fields |= FieldAgentAddr4
	}

	flow.IfIndexIn = binary.BigEndian.Uint16(rec[12:14])
	flow.IfIndexOut = binary.BigEndian.Uint16(rec[14:16])

	// 32-bit wire counters widen to the log's 64-bit representation
	flow.Packets = uint64(binary.BigEndian.Uint32(rec[16:20]))
	flow.Octets = uint64(binary.BigEndian.Uint32(rec[20:24]))

	flow.FlowStart = binary.BigEndian.Uint32(rec[24:28])
	flow.FlowFinish = binary.BigEndian.Uint32(rec[28:32])

	flow.SrcPort = binary.BigEndian.Uint16(rec[32:34])
	flow.DstPort = binary.BigEndian.Uint16(rec[34:36])
}

func decodeAgentInfo(hdr []byte, recv time.Time, flow *FlowRecord) {
	flow.RecvSecs = uint32(recv.Unix())
	flow.SysUptimeMS = binary.BigEndian.Uint32(hdr[4:8])
	flow.TimeSec = binary.BigEndian.Uint32(hdr[8:12])
	flow.TimeNanosec = binary.BigEndian.Uint32(hdr[12:16])
	flow.NetflowVersion = binary.BigEndian.Uint16(hdr[0:2])
}

func parseNetflowV1(buf []byte, agent Address, recv time.Time) ([]FlowRecord, error) {
	nflows, err := checkNetflowPacket(buf, nf1HeaderLen, nf1RecordLen, nf1MaxFlows)
	if err != nil {
		return nil, err
	}

	flows := make([]FlowRecord, nflows)
	for i := range flows {
		rec := buf[nf1HeaderLen+i*nf1RecordLen:]
		flow := &flows[i]

		flow.Fields = FieldAll &^ (FieldTag | FieldAgentAddr | FieldSrcAddr6 |
			FieldDstAddr6 | FieldGatewayAddr6 | FieldASInfo | FieldFlowEngineInfo)

		decodeFlowCommon(rec, agent, flow)
		decodeAgentInfo(buf, recv, flow)

		flow.Protocol = rec[38]
		flow.TOS = rec[39]
		flow.TCPFlags = rec[40]
	}

	return flows, nil
}

func parseNetflowV5(buf []byte, agent Address, recv time.Time) ([]FlowRecord, error) {
	nflows, err := checkNetflowPacket(buf, nf5HeaderLen, nf5RecordLen, nf5MaxFlows)
	if err != nil {
		return nil, err
	}

	flows := make([]FlowRecord, nflows)
	for i := range flows {
		rec := buf[nf5HeaderLen+i*nf5RecordLen:]
		flow := &flows[i]

		flow.Fields = FieldAll &^ (FieldTag | FieldAgentAddr | FieldSrcAddr6 |
			FieldDstAddr6 | FieldGatewayAddr6)

		decodeFlowCommon(rec, agent, flow)
		decodeAgentInfo(buf, recv, flow)

		flow.TCPFlags = rec[37]
		flow.Protocol = rec[38]
		flow.TOS = rec[39]

		flow.SrcAS = binary.BigEndian.Uint16(rec[40:42])
		flow.DstAS = binary.BigEndian.Uint16(rec[42:44])
		flow.SrcMask = rec[44]
		flow.DstMask = rec[45]

		flow.FlowSequence = binary.BigEndian.Uint32(buf[16:20])
		flow.EngineType = buf[20]
		flow.EngineID = buf[21]
	}

	return flows, nil
}

func parseNetflowV7(buf []byte, agent Address, recv time.Time) ([]FlowRecord, error) {
	nflows, err := checkNetflowPacket(buf, nf7HeaderLen, nf7RecordLen, nf7MaxFlows)
	if err != nil {
		return nil, err
	}

	flows := make([]FlowRecord, nflows)
	for i := range flows {
		rec := buf[nf7HeaderLen+i*nf7RecordLen:]
		flow := &flows[i]

		flow.Fields = FieldAll &^ (FieldTag | FieldAgentAddr | FieldSrcAddr6 |
			FieldDstAddr6 | FieldGatewayAddr6)

		decodeFlowCommon(rec, agent, flow)
		decodeAgentInfo(buf, recv, flow)

		// rec[36] and rec[46:48] are the undocumented Cat5k flags
		// fields; they can mark fields the switch did not fill but
		// are not interpreted here.
		flow.TCPFlags = rec[37]
		flow.Protocol = rec[38]
		flow.TOS = rec[39]

		flow.SrcAS = binary.BigEndian.Uint16(rec[40:42])
		flow.DstAS = binary.BigEndian.Uint16(rec[42:44])
		flow.SrcMask = rec[44]
		flow.DstMask = rec[45]

		// v7 exports carry a sequence number but no engine fields
		flow.FlowSequence = binary.BigEndian.Uint32(buf[16:20])
	}

	return flows, nil
}
