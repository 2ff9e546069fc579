package main

import (
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// On-disk flow log format: a fixed header written once when the file
// is created, then one self-describing record per accepted flow. All
// integers are network byte order; 64-bit counters are laid out high
// word then low word (plain big-endian).
const (
	storeMagic      = 0x012cf047
	storeVersion    = 2
	storeHeaderLen  = 16
	storeMaxFlowLen = 4 + 4 + 4 + 4 + 3*16 + 4 + 8 + 8 + 4 + 16 + 8 + 8 + 8
)

var (
	BadMagicError   = errors.New("bad flow log magic")
	BadVersionError = errors.New("unsupported flow log version")
)

type FlowLog struct {
	file *os.File
}

// OpenFlowLog prepares a log file for appending. An empty file gets a
// fresh header; a non-empty file must carry a valid header already or
// an error is returned (the caller treats this as fatal).
func OpenFlowLog(file *os.File) (*FlowLog, error) {
	pos, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, "flow log seek")
	}

	if pos == 0 {
		log.Debug("writing new flow log header")
		if err := writeFlowLogHeader(file); err != nil {
			return nil, err
		}
		return &FlowLog{file: file}, nil
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "flow log seek")
	}
	if err := CheckFlowLogHeader(file); err != nil {
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return nil, errors.Wrap(err, "flow log seek")
	}
	log.Debugf("continuing with existing flow log, len %d", pos)

	return &FlowLog{file: file}, nil
}

func writeFlowLogHeader(w io.Writer) error {
	hdr := make([]byte, storeHeaderLen)
	binary.BigEndian.PutUint32(hdr[0:4], storeMagic)
	binary.BigEndian.PutUint32(hdr[4:8], storeVersion)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(time.Now().Unix()))
	binary.BigEndian.PutUint32(hdr[12:16], 0)

	_, err := w.Write(hdr)
	return errors.Wrap(err, "flow log header write")
}

// CheckFlowLogHeader validates the fixed header at the current read
// position.
func CheckFlowLogHeader(r io.Reader) error {
	hdr := make([]byte, storeHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return errors.Wrap(err, "flow log header read")
	}

	if binary.BigEndian.Uint32(hdr[0:4]) != storeMagic {
		return BadMagicError
	}
	if binary.BigEndian.Uint32(hdr[4:8]) != storeVersion {
		return BadVersionError
	}

	return nil
}

// WriteFlow appends one record, persisting the intersection of the
// fields the decoder produced and the configured store mask.
func (l *FlowLog) WriteFlow(rec *FlowRecord, storeMask FieldMask) error {
	buf := EncodeFlow(rec, storeMask)

	n, err := l.file.Write(buf)
	if err != nil {
		return errors.Wrap(err, "flow log write")
	}
	if n != len(buf) {
		return errors.Errorf("flow log short write (%d of %d)", n, len(buf))
	}

	return nil
}

func (l *FlowLog) Close() error {
	return l.file.Close()
}

// EncodeFlow serializes a record with the given store mask applied.
func EncodeFlow(rec *FlowRecord, storeMask FieldMask) []byte {
	fields := rec.Fields & storeMask
	buf := make([]byte, 0, storeMaxFlowLen)

	buf = appendUint32(buf, uint32(fields))
	if fields&FieldTag != 0 {
		buf = appendUint32(buf, rec.Tag)
	}
	if fields&FieldRecvTime != 0 {
		buf = appendUint32(buf, rec.RecvSecs)
	}
	if fields&FieldProtoFlagsTos != 0 {
		buf = append(buf, rec.TCPFlags, rec.Protocol, rec.TOS, 0)
	}
	if fields&FieldAgentAddr != 0 {
		buf = append(buf, rec.AgentAddr.Bytes()...)
	}
	if fields&FieldSrcAddr != 0 {
		buf = append(buf, rec.SrcAddr.Bytes()...)
	}
	if fields&FieldDstAddr != 0 {
		buf = append(buf, rec.DstAddr.Bytes()...)
	}
	if fields&FieldGatewayAddr != 0 {
		buf = append(buf, rec.GatewayAddr.Bytes()...)
	}
	if fields&FieldSrcDstPort != 0 {
		buf = appendUint16(buf, rec.SrcPort)
		buf = appendUint16(buf, rec.DstPort)
	}
	if fields&FieldPackets != 0 {
		buf = appendUint64(buf, rec.Packets)
	}
	if fields&FieldOctets != 0 {
		buf = appendUint64(buf, rec.Octets)
	}
	if fields&FieldIfIndices != 0 {
		buf = appendUint16(buf, rec.IfIndexIn)
		buf = appendUint16(buf, rec.IfIndexOut)
	}
	if fields&FieldAgentInfo != 0 {
		buf = appendUint32(buf, rec.SysUptimeMS)
		buf = appendUint32(buf, rec.TimeSec)
		buf = appendUint32(buf, rec.TimeNanosec)
		buf = appendUint16(buf, rec.NetflowVersion)
		buf = appendUint16(buf, 0)
	}
	if fields&FieldFlowTimes != 0 {
		buf = appendUint32(buf, rec.FlowStart)
		buf = appendUint32(buf, rec.FlowFinish)
	}
	if fields&FieldASInfo != 0 {
		buf = appendUint16(buf, rec.SrcAS)
		buf = appendUint16(buf, rec.DstAS)
		buf = append(buf, rec.SrcMask, rec.DstMask)
		buf = appendUint16(buf, 0)
	}
	if fields&FieldFlowEngineInfo != 0 {
		buf = append(buf, rec.EngineType, rec.EngineID)
		buf = appendUint16(buf, 0)
		buf = appendUint32(buf, rec.FlowSequence)
	}

	return buf
}

// DecodeFlow reads one record from the stream. io.EOF is returned
// unwrapped when the stream ends cleanly on a record boundary.
func DecodeFlow(r io.Reader) (*FlowRecord, error) {
	word := make([]byte, 4)
	if _, err := io.ReadFull(r, word); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "flow record read")
	}

	rec := &FlowRecord{Fields: FieldMask(binary.BigEndian.Uint32(word))}
	if rec.Fields&^FieldAll != 0 {
		return nil, errors.Errorf("unknown fields 0x%08x in flow record", uint32(rec.Fields))
	}

	d := &flowDecoder{r: r}
	if rec.Fields&FieldTag != 0 {
		rec.Tag = d.uint32()
	}
	if rec.Fields&FieldRecvTime != 0 {
		rec.RecvSecs = d.uint32()
	}
	if rec.Fields&FieldProtoFlagsTos != 0 {
		rec.TCPFlags = d.uint8()
		rec.Protocol = d.uint8()
		rec.TOS = d.uint8()
		d.uint8()
	}
	rec.AgentAddr = d.address(rec.Fields, FieldAgentAddr4, FieldAgentAddr6)
	rec.SrcAddr = d.address(rec.Fields, FieldSrcAddr4, FieldSrcAddr6)
	rec.DstAddr = d.address(rec.Fields, FieldDstAddr4, FieldDstAddr6)
	rec.GatewayAddr = d.address(rec.Fields, FieldGatewayAddr4, FieldGatewayAddr6)
	if rec.Fields&FieldSrcDstPort != 0 {
		rec.SrcPort = d.uint16()
		rec.DstPort = d.uint16()
	}
	if rec.Fields&FieldPackets != 0 {
		rec.Packets = d.uint64()
	}
	if rec.Fields&FieldOctets != 0 {
		rec.Octets = d.uint64()
	}
	if rec.Fields&FieldIfIndices != 0 {
		rec.IfIndexIn = d.uint16()
		rec.IfIndexOut = d.uint16()
	}
	if rec.Fields&FieldAgentInfo != 0 {
		rec.SysUptimeMS = d.uint32()
		rec.TimeSec = d.uint32()
		rec.TimeNanosec = d.uint32()
		rec.NetflowVersion = d.uint16()
		d.uint16()
	}
	if rec.Fields&FieldFlowTimes != 0 {
		rec.FlowStart = d.uint32()
		rec.FlowFinish = d.uint32()
	}
	if rec.Fields&FieldASInfo != 0 {
		rec.SrcAS = d.uint16()
		rec.DstAS = d.uint16()
		rec.SrcMask = d.uint8()
		rec.DstMask = d.uint8()
		d.uint16()
	}
	if rec.Fields&FieldFlowEngineInfo != 0 {
		rec.EngineType = d.uint8()
		rec.EngineID = d.uint8()
		d.uint16()
		rec.FlowSequence = d.uint32()
	}

	if d.err != nil {
		return nil, errors.Wrap(d.err, "flow record read")
	}

	return rec, nil
}

type flowDecoder struct {
	r   io.Reader
	err error
}

func (d *flowDecoder) read(n int) []byte {
	buf := make([]byte, n)
	if d.err == nil {
		_, d.err = io.ReadFull(d.r, buf)
	}
	return buf
}

func (d *flowDecoder) uint8() uint8   { return d.read(1)[0] }
func (d *flowDecoder) uint16() uint16 { return binary.BigEndian.Uint16(d.read(2)) }
func (d *flowDecoder) uint32() uint32 { return binary.BigEndian.Uint32(d.read(4)) }
func (d *flowDecoder) uint64() uint64 { return binary.BigEndian.Uint64(d.read(8)) }

func (d *flowDecoder) address(fields, bit4, bit6 FieldMask) Address {
	var addr Address
	switch {
	case fields&bit4 != 0:
		addr, _ = NewAddressFromBytes(d.read(4))
	case fields&bit6 != 0:
		addr, _ = NewAddressFromBytes(d.read(16))
	}
	return addr
}

func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendUint64(buf []byte, v uint64) []byte {
	buf = appendUint32(buf, uint32(v>>32))
	return appendUint32(buf, uint32(v))
}
