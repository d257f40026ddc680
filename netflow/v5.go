package netflow

import (
	"time"

	"github.com/flowkeeper/flowkeeper/cursor"
	"github.com/flowkeeper/flowkeeper/flow"
)

const (
	v5HeaderSize int = 24
	v5RecordSize int = 48
)

// DecodeV5 decodes a NetFlow v5 datagram: a 24-byte header followed by
// Count fixed-width 48-byte flow records.
func DecodeV5(data []byte, exporter flow.ExporterKey, receiptTime time.Time) (*flow.ExportPacket, error) {
	c := cursor.New(data)

	version, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v5 header: version")
	}
	if version != uint16(flow.VersionV5) {
		return nil, flow.UnsupportedVersion(version)
	}
	count, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v5 header: count")
	}
	sysUptime, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v5 header: sysUptime")
	}
	unixSecs, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v5 header: unixSecs")
	}
	unixNsecs, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v5 header: unixNsecs")
	}
	flowSequence, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v5 header: flowSequence")
	}
	engineType, err := c.U8()
	if err != nil {
		return nil, flow.Truncated("v5 header: engineType")
	}
	engineID, err := c.U8()
	if err != nil {
		return nil, flow.Truncated("v5 header: engineID")
	}
	samplingInterval, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v5 header: samplingInterval")
	}

	header := &flow.HeaderV5{
		Version:          version,
		Count:            count,
		SysUptime:        sysUptime,
		UnixSecs:         unixSecs,
		UnixNsecs:        unixNsecs,
		FlowSequence:     flowSequence,
		EngineType:       engineType,
		EngineID:         engineID,
		SamplingInterval: samplingInterval,
	}

	if c.Remaining() != int(count)*v5RecordSize {
		return nil, flow.Malformed("v5 payload length does not match record count")
	}

	flows := make([]flow.FlowRecord, 0, count)
	for i := uint16(0); i < count; i++ {
		rec, err := decodeV5Record(c)
		if err != nil {
			return nil, err
		}
		flows = append(flows, rec)
	}

	return &flow.ExportPacket{
		Version:     flow.VersionV5,
		Exporter:    exporter,
		HeaderV5:    header,
		Flows:       flows,
		ReceiptTime: receiptTime,
	}, nil
}

func decodeV5Record(c *cursor.Cursor) (flow.FlowRecord, error) {
	srcAddr, err := c.IPv4()
	if err != nil {
		return nil, flow.Truncated("v5 record: srcaddr")
	}
	dstAddr, err := c.IPv4()
	if err != nil {
		return nil, flow.Truncated("v5 record: dstaddr")
	}
	nextHop, err := c.IPv4()
	if err != nil {
		return nil, flow.Truncated("v5 record: nexthop")
	}
	input, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v5 record: input")
	}
	output, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v5 record: output")
	}
	dPkts, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v5 record: dPkts")
	}
	dOctets, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v5 record: dOctets")
	}
	first, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v5 record: first")
	}
	last, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v5 record: last")
	}
	srcPort, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v5 record: srcport")
	}
	dstPort, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v5 record: dstport")
	}
	if _, err := c.Bytes(1); err != nil { // pad1
		return nil, flow.Truncated("v5 record: pad1")
	}
	tcpFlags, err := c.U8()
	if err != nil {
		return nil, flow.Truncated("v5 record: tcp_flags")
	}
	prot, err := c.U8()
	if err != nil {
		return nil, flow.Truncated("v5 record: prot")
	}
	tos, err := c.U8()
	if err != nil {
		return nil, flow.Truncated("v5 record: tos")
	}
	srcAs, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v5 record: src_as")
	}
	dstAs, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v5 record: dst_as")
	}
	srcMask, err := c.U8()
	if err != nil {
		return nil, flow.Truncated("v5 record: src_mask")
	}
	dstMask, err := c.U8()
	if err != nil {
		return nil, flow.Truncated("v5 record: dst_mask")
	}
	if _, err := c.Bytes(2); err != nil { // pad2
		return nil, flow.Truncated("v5 record: pad2")
	}

	return flow.FlowRecord{
		"IPV4_SRC_ADDR":  flow.NewIPv4(srcAddr),
		"IPV4_DST_ADDR":  flow.NewIPv4(dstAddr),
		"IPV4_NEXT_HOP":  flow.NewIPv4(nextHop),
		"INPUT_SNMP":     flow.NewUnsigned(uint64(input)),
		"OUTPUT_SNMP":    flow.NewUnsigned(uint64(output)),
		"IN_PKTS":        flow.NewUnsigned(uint64(dPkts)),
		"IN_BYTES":       flow.NewUnsigned(uint64(dOctets)),
		"FIRST_SWITCHED": flow.NewUnsigned(uint64(first)),
		"LAST_SWITCHED":  flow.NewUnsigned(uint64(last)),
		"L4_SRC_PORT":    flow.NewUnsigned(uint64(srcPort)),
		"L4_DST_PORT":    flow.NewUnsigned(uint64(dstPort)),
		"TCP_FLAGS":      flow.NewUnsigned(uint64(tcpFlags)),
		"PROTO":          flow.NewUnsigned(uint64(prot)),
		"SRC_TOS":        flow.NewUnsigned(uint64(tos)),
		"SRC_AS":         flow.NewUnsigned(uint64(srcAs)),
		"DST_AS":         flow.NewUnsigned(uint64(dstAs)),
		"SRC_MASK":       flow.NewUnsigned(uint64(srcMask)),
		"DST_MASK":       flow.NewUnsigned(uint64(dstMask)),
	}, nil
}
