package netflow

import (
	"time"

	"github.com/flowkeeper/flowkeeper/cursor"
	"github.com/flowkeeper/flowkeeper/flow"
)

const (
	v1HeaderSize int = 16
	v1RecordSize int = 48
)

// DecodeV1 decodes a NetFlow v1 datagram: a 16-byte header followed by
// Count fixed-width 48-byte flow records. v1 carries no template or
// domain id, so exporter identity comes entirely from the transport
// address the caller supplies.
func DecodeV1(data []byte, exporter flow.ExporterKey, receiptTime time.Time) (*flow.ExportPacket, error) {
	c := cursor.New(data)

	version, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v1 header: version")
	}
	if version != uint16(flow.VersionV1) {
		return nil, flow.UnsupportedVersion(version)
	}
	count, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v1 header: count")
	}
	sysUptime, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v1 header: sysUptime")
	}
	unixSecs, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v1 header: unixSecs")
	}
	unixNsecs, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v1 header: unixNsecs")
	}

	header := &flow.HeaderV1{
		Version:   version,
		Count:     count,
		SysUptime: sysUptime,
		UnixSecs:  unixSecs,
		UnixNsecs: unixNsecs,
	}

	if c.Remaining() != int(count)*v1RecordSize {
		return nil, flow.Malformed("v1 payload length does not match record count")
	}

	flows := make([]flow.FlowRecord, 0, count)
	for i := uint16(0); i < count; i++ {
		rec, err := decodeV1Record(c)
		if err != nil {
			return nil, err
		}
		flows = append(flows, rec)
	}

	return &flow.ExportPacket{
		Version:     flow.VersionV1,
		Exporter:    exporter,
		HeaderV1:    header,
		Flows:       flows,
		ReceiptTime: receiptTime,
	}, nil
}

func decodeV1Record(c *cursor.Cursor) (flow.FlowRecord, error) {
	srcAddr, err := c.IPv4()
	if err != nil {
		return nil, flow.Truncated("v1 record: srcaddr")
	}
	dstAddr, err := c.IPv4()
	if err != nil {
		return nil, flow.Truncated("v1 record: dstaddr")
	}
	nextHop, err := c.IPv4()
	if err != nil {
		return nil, flow.Truncated("v1 record: nexthop")
	}
	input, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v1 record: input")
	}
	output, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v1 record: output")
	}
	dPkts, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v1 record: dPkts")
	}
	dOctets, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v1 record: dOctets")
	}
	first, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v1 record: first")
	}
	last, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v1 record: last")
	}
	srcPort, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v1 record: srcport")
	}
	dstPort, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v1 record: dstport")
	}
	if _, err := c.Bytes(2); err != nil { // pad1
		return nil, flow.Truncated("v1 record: pad1")
	}
	prot, err := c.U8()
	if err != nil {
		return nil, flow.Truncated("v1 record: prot")
	}
	tos, err := c.U8()
	if err != nil {
		return nil, flow.Truncated("v1 record: tos")
	}
	tcpFlags, err := c.U8()
	if err != nil {
		return nil, flow.Truncated("v1 record: tcp_flags")
	}
	if _, err := c.Bytes(1); err != nil { // pad2
		return nil, flow.Truncated("v1 record: pad2")
	}
	if _, err := c.Bytes(6); err != nil { // reserved
		return nil, flow.Truncated("v1 record: reserved")
	}

	return flow.FlowRecord{
		"IPV4_SRC_ADDR": flow.NewIPv4(srcAddr),
		"IPV4_DST_ADDR": flow.NewIPv4(dstAddr),
		"IPV4_NEXT_HOP": flow.NewIPv4(nextHop),
		"INPUT_SNMP":    flow.NewUnsigned(uint64(input)),
		"OUTPUT_SNMP":   flow.NewUnsigned(uint64(output)),
		"IN_PKTS":       flow.NewUnsigned(uint64(dPkts)),
		"IN_BYTES":      flow.NewUnsigned(uint64(dOctets)),
		"FIRST_SWITCHED": flow.NewUnsigned(uint64(first)),
		"LAST_SWITCHED":  flow.NewUnsigned(uint64(last)),
		"L4_SRC_PORT":    flow.NewUnsigned(uint64(srcPort)),
		"L4_DST_PORT":    flow.NewUnsigned(uint64(dstPort)),
		"PROTOCOL":       flow.NewUnsigned(uint64(prot)),
		"SRC_TOS":        flow.NewUnsigned(uint64(tos)),
		"TCP_FLAGS":      flow.NewUnsigned(uint64(tcpFlags)),
	}, nil
}
