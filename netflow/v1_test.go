package netflow

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/flowkeeper/flowkeeper/flow"
)

func buildV1Datagram(count int) []byte {
	buf := make([]byte, v1HeaderSize+count*v1RecordSize)
	binary.BigEndian.PutUint16(buf[0:2], 1)
	binary.BigEndian.PutUint16(buf[2:4], uint16(count))
	binary.BigEndian.PutUint32(buf[4:8], 1000)
	binary.BigEndian.PutUint32(buf[8:12], 1700000000)
	binary.BigEndian.PutUint32(buf[12:16], 0)

	off := v1HeaderSize
	copy(buf[off:off+4], net.IPv4(10, 0, 0, 1).To4())
	copy(buf[off+4:off+8], net.IPv4(10, 0, 0, 2).To4())
	copy(buf[off+8:off+12], net.IPv4(10, 0, 0, 254).To4())
	binary.BigEndian.PutUint16(buf[off+12:off+14], 1)
	binary.BigEndian.PutUint16(buf[off+14:off+16], 2)
	binary.BigEndian.PutUint32(buf[off+16:off+20], 10)
	binary.BigEndian.PutUint32(buf[off+20:off+24], 1500)
	binary.BigEndian.PutUint32(buf[off+24:off+28], 1000)
	binary.BigEndian.PutUint32(buf[off+28:off+32], 2000)
	binary.BigEndian.PutUint16(buf[off+32:off+34], 443)
	binary.BigEndian.PutUint16(buf[off+34:off+36], 54321)
	buf[off+38] = 6 // prot
	buf[off+39] = 0 // tos
	buf[off+40] = 0x18

	return buf
}

func TestDecodeV1(t *testing.T) {
	data := buildV1Datagram(1)
	exporter := flow.ExporterKey{Addr: "192.0.2.1", Port: 2055}
	pkt, err := DecodeV1(data, exporter, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkt.Version != flow.VersionV1 {
		t.Errorf("expected version 1, got %d", pkt.Version)
	}
	if pkt.HeaderV1.Count != 1 {
		t.Errorf("expected count 1, got %d", pkt.HeaderV1.Count)
	}
	if len(pkt.Flows) != 1 {
		t.Fatalf("expected 1 flow, got %d", len(pkt.Flows))
	}
	rec := pkt.Flows[0]
	if ip, ok := rec["IPV4_SRC_ADDR"].IP(); !ok || ip.String() != "10.0.0.1" {
		t.Errorf("unexpected src addr: %v", rec["IPV4_SRC_ADDR"])
	}
	if u, ok := rec["PROTOCOL"].Uint(); !ok || u != 6 {
		t.Errorf("expected protocol 6, got %v", rec["PROTOCOL"])
	}
	if u, ok := rec["L4_DST_PORT"].Uint(); !ok || u != 443 {
		t.Errorf("expected dst port 443, got %v", rec["L4_DST_PORT"])
	}
}

func TestDecodeV1_TruncatedRecord(t *testing.T) {
	data := buildV1Datagram(1)
	exporter := flow.ExporterKey{Addr: "192.0.2.1", Port: 2055}
	_, err := DecodeV1(data[:len(data)-1], exporter, time.Now())
	if err == nil {
		t.Fatal("expected an error for truncated record, got nil")
	}
}

func TestDecodeV1_WrongVersion(t *testing.T) {
	data := buildV1Datagram(1)
	binary.BigEndian.PutUint16(data[0:2], 5)
	exporter := flow.ExporterKey{Addr: "192.0.2.1", Port: 2055}
	_, err := DecodeV1(data, exporter, time.Now())
	if err == nil {
		t.Fatal("expected an unsupported version error, got nil")
	}
}
