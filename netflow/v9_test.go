package netflow

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/flowkeeper/flowkeeper/flow"
)

// memTemplateStore is a minimal TemplateStore for exercising DecodeV9
// without pulling in the dispatch package's restart-detection bookkeeping.
type memTemplateStore struct {
	templates map[uint16]flow.TemplateDescriptor
}

func newMemTemplateStore() *memTemplateStore {
	return &memTemplateStore{templates: make(map[uint16]flow.TemplateDescriptor)}
}

func (s *memTemplateStore) Get(templateID uint16) (flow.TemplateDescriptor, bool) {
	td, ok := s.templates[templateID]
	return td, ok
}

func (s *memTemplateStore) Put(td flow.TemplateDescriptor) {
	s.templates[td.TemplateID] = td
}

func v9Header(count uint16, sequenceNumber uint32) []byte {
	buf := make([]byte, v9HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], 9)
	binary.BigEndian.PutUint16(buf[2:4], count)
	binary.BigEndian.PutUint32(buf[4:8], 1000)
	binary.BigEndian.PutUint32(buf[8:12], 1700000000)
	binary.BigEndian.PutUint32(buf[12:16], sequenceNumber)
	binary.BigEndian.PutUint32(buf[16:20], 0)
	return buf
}

// v9TemplateFlowSet builds a Template FlowSet (id 0) defining one template
// with sourceIPv4Address(8)/4, protocolIdentifier(4)/1, sourceTransportPort(7)/2.
func v9TemplateFlowSet(templateID uint16) []byte {
	fields := [][2]uint16{{8, 4}, {4, 1}, {7, 2}}
	body := make([]byte, 0, 4+len(fields)*4)
	tid := make([]byte, 2)
	binary.BigEndian.PutUint16(tid, templateID)
	body = append(body, tid...)
	fc := make([]byte, 2)
	binary.BigEndian.PutUint16(fc, uint16(len(fields)))
	body = append(body, fc...)
	for _, f := range fields {
		b := make([]byte, 4)
		binary.BigEndian.PutUint16(b[0:2], f[0])
		binary.BigEndian.PutUint16(b[2:4], f[1])
		body = append(body, b...)
	}

	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint16(out[0:2], v9FlowSetTemplate)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	copy(out[4:], body)
	return out
}

// v9DataFlowSet builds a Data FlowSet for templateID carrying one record
// matching the field layout from v9TemplateFlowSet.
func v9DataFlowSet(templateID uint16, ip net.IP, proto uint8, port uint16) []byte {
	record := make([]byte, 7)
	copy(record[0:4], ip.To4())
	record[4] = proto
	binary.BigEndian.PutUint16(record[5:7], port)

	out := make([]byte, 4+len(record))
	binary.BigEndian.PutUint16(out[0:2], templateID)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	copy(out[4:], record)
	return out
}

func TestDecodeV9_TemplateThenData(t *testing.T) {
	const templateID = 256
	store := newMemTemplateStore()

	body := append(v9TemplateFlowSet(templateID), v9DataFlowSet(templateID, net.IPv4(10, 1, 1, 1), 6, 8080)...)
	data := append(v9Header(2, 1), body...)

	exporter := flow.ExporterKey{Addr: "192.0.2.5", Port: 2055}
	pkt, err := DecodeV9(data, exporter, time.Unix(0, 0), store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pkt.NewTemplates) != 1 {
		t.Fatalf("expected 1 newly installed template, got %d", len(pkt.NewTemplates))
	}
	if len(pkt.Flows) != 1 {
		t.Fatalf("expected 1 flow, got %d", len(pkt.Flows))
	}
	rec := pkt.Flows[0]
	if ip, ok := rec["SOURCE_IPV4_ADDRESS"].IP(); !ok || ip.String() != "10.1.1.1" {
		t.Errorf("unexpected source address: %v", rec["SOURCE_IPV4_ADDRESS"])
	}
	if u, ok := rec["PROTOCOL_IDENTIFIER"].Uint(); !ok || u != 6 {
		t.Errorf("expected protocol 6, got %v", rec["PROTOCOL_IDENTIFIER"])
	}
	if u, ok := rec["SOURCE_TRANSPORT_PORT"].Uint(); !ok || u != 8080 {
		t.Errorf("expected port 8080, got %v", rec["SOURCE_TRANSPORT_PORT"])
	}
	if _, ok := store.Get(templateID); !ok {
		t.Error("expected template to remain installed in store after decode")
	}
}

func TestDecodeV9_DataBeforeTemplateInSameDatagram(t *testing.T) {
	// the spec requires whole-datagram template installation before data
	// decoding, so a data flowset physically preceding its defining
	// template flowset in the same datagram must still resolve.
	const templateID = 257
	store := newMemTemplateStore()

	body := append(v9DataFlowSet(templateID, net.IPv4(10, 2, 2, 2), 17, 53), v9TemplateFlowSet(templateID)...)
	data := append(v9Header(2, 1), body...)

	exporter := flow.ExporterKey{Addr: "192.0.2.6", Port: 2055}
	pkt, err := DecodeV9(data, exporter, time.Unix(0, 0), store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pkt.Flows) != 1 {
		t.Fatalf("expected 1 flow, got %d", len(pkt.Flows))
	}
}

func TestDecodeV9_UnknownTemplate(t *testing.T) {
	const templateID = 258
	store := newMemTemplateStore()

	data := append(v9Header(1, 1), v9DataFlowSet(templateID, net.IPv4(10, 3, 3, 3), 6, 443)...)

	exporter := flow.ExporterKey{Addr: "192.0.2.7", Port: 2055}
	_, err := DecodeV9(data, exporter, time.Unix(0, 0), store)
	if err == nil {
		t.Fatal("expected flow.ErrUnknownTemplate, got nil")
	}
}

// v9ShortDataFlowSet builds a Data FlowSet for templateID whose body is
// shorter than one full record (spec.md Concrete Scenario 6).
func v9ShortDataFlowSet(templateID uint16) []byte {
	out := make([]byte, 8) // length=8: 4-byte header plus a 4-byte prefix, no room for a 7-byte record
	binary.BigEndian.PutUint16(out[0:2], templateID)
	binary.BigEndian.PutUint16(out[2:4], 8)
	return out
}

func TestDecodeV9_MalformedFlowSetContinuesDatagram(t *testing.T) {
	const templateID = 259
	store := newMemTemplateStore()

	body := append(v9TemplateFlowSet(templateID), v9ShortDataFlowSet(templateID)...)
	body = append(body, v9DataFlowSet(templateID, net.IPv4(10, 4, 4, 4), 6, 9090)...)
	data := append(v9Header(2, 1), body...)

	exporter := flow.ExporterKey{Addr: "192.0.2.9", Port: 2055}
	pkt, err := DecodeV9(data, exporter, time.Unix(0, 0), store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkt.MalformedFlowSets != 1 {
		t.Errorf("expected 1 malformed flowset, got %d", pkt.MalformedFlowSets)
	}
	if len(pkt.Flows) != 1 {
		t.Fatalf("expected the later well-formed flowset to still decode, got %d flows", len(pkt.Flows))
	}
	if ip, ok := pkt.Flows[0]["SOURCE_IPV4_ADDRESS"].IP(); !ok || ip.String() != "10.4.4.4" {
		t.Errorf("unexpected decoded flow: %v", pkt.Flows[0])
	}
}

func TestDecodeV9_WrongVersion(t *testing.T) {
	data := v9Header(0, 1)
	binary.BigEndian.PutUint16(data[0:2], 5)

	exporter := flow.ExporterKey{Addr: "192.0.2.8", Port: 2055}
	_, err := DecodeV9(data, exporter, time.Now(), newMemTemplateStore())
	if err == nil {
		t.Fatal("expected an unsupported version error, got nil")
	}
}
