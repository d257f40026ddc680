package netflow

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/flowkeeper/flowkeeper/flow"
)

func buildV5Datagram(count int) []byte {
	buf := make([]byte, v5HeaderSize+count*v5RecordSize)
	binary.BigEndian.PutUint16(buf[0:2], 5)
	binary.BigEndian.PutUint16(buf[2:4], uint16(count))
	binary.BigEndian.PutUint32(buf[4:8], 12345)
	binary.BigEndian.PutUint32(buf[8:12], 1700000000)
	binary.BigEndian.PutUint32(buf[12:16], 0)
	binary.BigEndian.PutUint32(buf[16:20], 42)
	buf[20] = 0 // engine type
	buf[21] = 1 // engine id
	binary.BigEndian.PutUint16(buf[22:24], 100)

	off := v5HeaderSize
	copy(buf[off:off+4], net.IPv4(203, 0, 113, 10).To4())
	copy(buf[off+4:off+8], net.IPv4(203, 0, 113, 20).To4())
	copy(buf[off+8:off+12], net.IPv4(203, 0, 113, 254).To4())
	binary.BigEndian.PutUint16(buf[off+12:off+14], 1)
	binary.BigEndian.PutUint16(buf[off+14:off+16], 2)
	binary.BigEndian.PutUint32(buf[off+16:off+20], 10)
	binary.BigEndian.PutUint32(buf[off+20:off+24], 1500)
	binary.BigEndian.PutUint32(buf[off+24:off+28], 1000)
	binary.BigEndian.PutUint32(buf[off+28:off+32], 2000)
	binary.BigEndian.PutUint16(buf[off+32:off+34], 54321)
	binary.BigEndian.PutUint16(buf[off+34:off+36], 443)
	// pad1 at off+36
	buf[off+37] = 0x18 // tcp_flags
	buf[off+38] = 6    // prot
	buf[off+39] = 0    // tos
	binary.BigEndian.PutUint16(buf[off+40:off+42], 65000)
	binary.BigEndian.PutUint16(buf[off+42:off+44], 65001)
	buf[off+44] = 24 // src_mask
	buf[off+45] = 16 // dst_mask
	// pad2 at off+46:off+48

	return buf
}

func TestDecodeV5(t *testing.T) {
	data := buildV5Datagram(1)
	exporter := flow.ExporterKey{Addr: "198.51.100.1", Port: 2055}
	pkt, err := DecodeV5(data, exporter, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkt.Version != flow.VersionV5 {
		t.Errorf("expected version 5, got %d", pkt.Version)
	}
	if pkt.HeaderV5.SamplingInterval != 100 {
		t.Errorf("expected sampling interval 100, got %d", pkt.HeaderV5.SamplingInterval)
	}
	if len(pkt.Flows) != 1 {
		t.Fatalf("expected 1 flow, got %d", len(pkt.Flows))
	}
	rec := pkt.Flows[0]
	if ip, ok := rec["IPV4_SRC_ADDR"].IP(); !ok || ip.String() != "203.0.113.10" {
		t.Errorf("unexpected src addr: %v", rec["IPV4_SRC_ADDR"])
	}
	if u, ok := rec["SRC_AS"].Uint(); !ok || u != 65000 {
		t.Errorf("expected src_as 65000, got %v", rec["SRC_AS"])
	}
	if u, ok := rec["DST_AS"].Uint(); !ok || u != 65001 {
		t.Errorf("expected dst_as 65001, got %v", rec["DST_AS"])
	}
	if u, ok := rec["SRC_MASK"].Uint(); !ok || u != 24 {
		t.Errorf("expected src_mask 24, got %v", rec["SRC_MASK"])
	}
	if u, ok := rec["DST_MASK"].Uint(); !ok || u != 16 {
		t.Errorf("expected dst_mask 16, got %v", rec["DST_MASK"])
	}
	if u, ok := rec["PROTO"].Uint(); !ok || u != 6 {
		t.Errorf("expected proto 6, got %v", rec["PROTO"])
	}
}

// buildV5ReferenceDatagram builds a 3-record v5 datagram matching spec.md's
// canonical scenario 1: flows[0].PROTO == 1 (ICMP), flows[0].IPV4_SRC_ADDR ==
// 172.17.0.2, with each record distinguishable by source port so insertion
// order is verifiable.
func buildV5ReferenceDatagram() []byte {
	buf := buildV5Datagram(3)
	binary.BigEndian.PutUint32(buf[4:8], 98765) // sysUptime
	binary.BigEndian.PutUint32(buf[8:12], 1600000000)

	srcAddrs := []net.IP{
		net.IPv4(172, 17, 0, 2),
		net.IPv4(172, 17, 0, 3),
		net.IPv4(172, 17, 0, 4),
	}
	protos := []byte{1, 6, 17} // icmp, tcp, udp
	srcPorts := []uint16{0, 1024, 2048}

	for i := 0; i < 3; i++ {
		off := v5HeaderSize + i*v5RecordSize
		copy(buf[off:off+4], srcAddrs[i].To4())
		copy(buf[off+4:off+8], net.IPv4(10, 0, 0, 1).To4())
		copy(buf[off+8:off+12], net.IPv4(10, 0, 0, 254).To4())
		binary.BigEndian.PutUint16(buf[off+12:off+14], 1)
		binary.BigEndian.PutUint16(buf[off+14:off+16], 2)
		binary.BigEndian.PutUint32(buf[off+16:off+20], 1)
		binary.BigEndian.PutUint32(buf[off+20:off+24], 64)
		binary.BigEndian.PutUint32(buf[off+24:off+28], 1000)
		binary.BigEndian.PutUint32(buf[off+28:off+32], 1001)
		binary.BigEndian.PutUint16(buf[off+32:off+34], srcPorts[i])
		binary.BigEndian.PutUint16(buf[off+34:off+36], 80)
		buf[off+37] = 0
		buf[off+38] = protos[i]
		buf[off+39] = 0
		binary.BigEndian.PutUint16(buf[off+40:off+42], 0)
		binary.BigEndian.PutUint16(buf[off+42:off+44], 0)
		buf[off+44] = 0
		buf[off+45] = 0
	}
	return buf
}

func TestDecodeV5_ReferenceVector(t *testing.T) {
	data := buildV5ReferenceDatagram()
	exporter := flow.ExporterKey{Addr: "198.51.100.1", Port: 2055}
	pkt, err := DecodeV5(data, exporter, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkt.Version != flow.VersionV5 {
		t.Errorf("expected version 5, got %d", pkt.Version)
	}
	if len(pkt.Flows) != 3 {
		t.Fatalf("expected 3 flows, got %d", len(pkt.Flows))
	}

	first := pkt.Flows[0]
	if u, ok := first["PROTO"].Uint(); !ok || u != 1 {
		t.Errorf("expected flows[0].PROTO == 1, got %v", first["PROTO"])
	}
	if ip, ok := first["IPV4_SRC_ADDR"].IP(); !ok || ip.String() != "172.17.0.2" {
		t.Errorf("expected flows[0].IPV4_SRC_ADDR == 172.17.0.2, got %v", first["IPV4_SRC_ADDR"])
	}

	wantPorts := []uint64{0, 1024, 2048}
	for i, want := range wantPorts {
		if u, ok := pkt.Flows[i]["L4_SRC_PORT"].Uint(); !ok || u != want {
			t.Errorf("flows[%d]: expected L4_SRC_PORT == %d (insertion order), got %v", i, want, pkt.Flows[i]["L4_SRC_PORT"])
		}
	}
}

func TestDecodeV5_CountMismatch(t *testing.T) {
	data := buildV5Datagram(1)
	binary.BigEndian.PutUint16(data[2:4], 2) // claim 2 records, only 1 present
	exporter := flow.ExporterKey{Addr: "198.51.100.1", Port: 2055}
	_, err := DecodeV5(data, exporter, time.Now())
	if err == nil {
		t.Fatal("expected a malformed-length error, got nil")
	}
}

func TestDecodeV5_WrongVersion(t *testing.T) {
	data := buildV5Datagram(1)
	binary.BigEndian.PutUint16(data[0:2], 9)
	exporter := flow.ExporterKey{Addr: "198.51.100.1", Port: 2055}
	_, err := DecodeV5(data, exporter, time.Now())
	if err == nil {
		t.Fatal("expected an unsupported version error, got nil")
	}
}
