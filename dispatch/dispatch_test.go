package dispatch

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/flowkeeper/flowkeeper/flow"
)

func TestDispatcher_VersionRouting(t *testing.T) {
	d := NewDispatcher()

	v1 := buildV1Datagram()
	if pkt, err := d.Decode(v1, "192.0.2.1", 2055, 0, time.Now()); err != nil || pkt.Version != flow.VersionV1 {
		t.Fatalf("v1 routing failed: pkt=%v err=%v", pkt, err)
	}

	v5 := buildV5Datagram()
	if pkt, err := d.Decode(v5, "192.0.2.2", 2055, 0, time.Now()); err != nil || pkt.Version != flow.VersionV5 {
		t.Fatalf("v5 routing failed: pkt=%v err=%v", pkt, err)
	}

	unsupported := make([]byte, 4)
	binary.BigEndian.PutUint16(unsupported[0:2], 99)
	if _, err := d.Decode(unsupported, "192.0.2.3", 2055, 0, time.Now()); err == nil {
		t.Fatal("expected an unsupported-version error, got nil")
	}
}

func buildV1Datagram() []byte {
	const headerSize, recordSize = 16, 48
	buf := make([]byte, headerSize+recordSize)
	binary.BigEndian.PutUint16(buf[0:2], 1)
	binary.BigEndian.PutUint16(buf[2:4], 1)
	binary.BigEndian.PutUint32(buf[4:8], 1000)
	binary.BigEndian.PutUint32(buf[8:12], 1700000000)
	binary.BigEndian.PutUint32(buf[12:16], 0)
	copy(buf[headerSize:headerSize+4], net.IPv4(10, 0, 0, 1).To4())
	return buf
}

func buildV5Datagram() []byte {
	const headerSize, recordSize = 24, 48
	buf := make([]byte, headerSize+recordSize)
	binary.BigEndian.PutUint16(buf[0:2], 5)
	binary.BigEndian.PutUint16(buf[2:4], 1)
	binary.BigEndian.PutUint32(buf[4:8], 1000)
	binary.BigEndian.PutUint32(buf[8:12], 1700000000)
	binary.BigEndian.PutUint32(buf[12:16], 0)
	binary.BigEndian.PutUint32(buf[16:20], 1)
	copy(buf[headerSize:headerSize+4], net.IPv4(10, 0, 0, 1).To4())
	return buf
}

const v9TestHeaderSize = 20

func v9Header(count uint16, sequenceNumber uint32) []byte {
	buf := make([]byte, v9TestHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], 9)
	binary.BigEndian.PutUint16(buf[2:4], count)
	binary.BigEndian.PutUint32(buf[4:8], 1000)
	binary.BigEndian.PutUint32(buf[8:12], 1700000000)
	binary.BigEndian.PutUint32(buf[12:16], sequenceNumber)
	binary.BigEndian.PutUint32(buf[16:20], 0)
	return buf
}

func v9TemplateFlowSet(templateID uint16, fields [][2]uint16) []byte {
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
	binary.BigEndian.PutUint16(out[0:2], 0) // template flowset id
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	copy(out[4:], body)
	return out
}

func v9DataFlowSet(templateID uint16, record []byte) []byte {
	out := make([]byte, 4+len(record))
	binary.BigEndian.PutUint16(out[0:2], templateID)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	copy(out[4:], record)
	return out
}

// v9Record builds a 7-byte record matching the (sourceIPv4Address/4,
// protocolIdentifier/1, sourceTransportPort/2) template used throughout.
func v9Record(ip net.IP, proto uint8, port uint16) []byte {
	b := make([]byte, 7)
	copy(b[0:4], ip.To4())
	b[4] = proto
	binary.BigEndian.PutUint16(b[5:7], port)
	return b
}

var v9TestFields = [][2]uint16{{8, 4}, {4, 1}, {7, 2}}

func TestDispatcher_V9DeferredThenResolved(t *testing.T) {
	d := NewDispatcher()
	const templateID = 512

	// data flowset arrives with no template installed yet: must defer.
	dataOnly := append(v9Header(1, 1), v9DataFlowSet(templateID, v9Record(net.IPv4(10, 9, 9, 9), 6, 80))...)
	pkt, err := d.Decode(dataOnly, "192.0.2.10", 2055, 0, time.Now())
	if err != nil {
		t.Fatalf("unexpected error deferring datagram: %v", err)
	}
	if pkt != nil {
		t.Fatalf("expected a deferred (nil) result, got a packet")
	}

	if resolved := d.DrainResolved(); len(resolved) != 0 {
		t.Fatalf("expected nothing resolved before template arrives, got %d", len(resolved))
	}

	// template now arrives in a later datagram.
	templateOnly := append(v9Header(1, 2), v9TemplateFlowSet(templateID, v9TestFields)...)
	if pkt, err := d.Decode(templateOnly, "192.0.2.10", 2055, 0, time.Now()); err != nil || pkt == nil {
		t.Fatalf("unexpected result installing template: pkt=%v err=%v", pkt, err)
	}

	resolved := d.DrainResolved()
	if len(resolved) != 1 {
		t.Fatalf("expected 1 resolved datagram, got %d", len(resolved))
	}
	if len(resolved[0].Packet.Flows) != 1 {
		t.Fatalf("expected 1 flow in resolved packet, got %d", len(resolved[0].Packet.Flows))
	}
}

func TestDispatcher_V9RestartDetection(t *testing.T) {
	d := NewDispatcher()
	const templateID = 513

	first := append(v9Header(1, 5), v9TemplateFlowSet(templateID, v9TestFields)...)
	if _, err := d.Decode(first, "192.0.2.11", 2055, 0, time.Now()); err != nil {
		t.Fatalf("unexpected error installing first template: %v", err)
	}

	// same template id redefined with a different shape, and the sequence
	// number rolls back: both signals corroborate an exporter restart.
	reshaped := [][2]uint16{{8, 4}, {12, 4}}
	second := append(v9Header(1, 1), v9TemplateFlowSet(templateID, reshaped)...)
	pkt, err := d.Decode(second, "192.0.2.11", 2055, 0, time.Now())
	if err != nil {
		t.Fatalf("unexpected error on redefinition: %v", err)
	}
	if pkt == nil || !pkt.RestartDetected {
		t.Fatalf("expected RestartDetected=true, got %+v", pkt)
	}
}

// TestDispatcher_V9MalformedFlowSetContinues covers spec.md's concrete
// scenario 6: a data flowset declares length=8 (a 4-byte prefix, no room
// for even one full record). That flowset is dropped as malformed, but
// the well-formed flowset later in the same datagram still decodes.
func TestDispatcher_V9MalformedFlowSetContinues(t *testing.T) {
	d := NewDispatcher()
	const templateID = 514

	tmpl := v9TemplateFlowSet(templateID, v9TestFields)
	tooShort := v9DataFlowSet(templateID, []byte{1, 2, 3, 4}) // 8-byte flowset, no room for a 7-byte record
	good := v9DataFlowSet(templateID, v9Record(net.IPv4(10, 1, 1, 1), 17, 53))

	raw := append(v9Header(2, 1), tmpl...)
	raw = append(raw, tooShort...)
	raw = append(raw, good...)

	pkt, err := d.Decode(raw, "192.0.2.20", 2055, 0, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkt == nil {
		t.Fatal("expected a decoded packet, not a deferral")
	}
	if pkt.MalformedFlowSets != 1 {
		t.Errorf("expected 1 malformed flowset counted, got %d", pkt.MalformedFlowSets)
	}
	if len(pkt.Flows) != 1 {
		t.Fatalf("expected the well-formed flowset to still decode, got %d flows", len(pkt.Flows))
	}
	if ip, ok := pkt.Flows[0]["IPV4_SRC_ADDR"].IP(); !ok || ip.String() != "10.1.1.1" {
		t.Errorf("unexpected decoded flow: %v", pkt.Flows[0])
	}
}

func TestDispatcher_DeferredQueueBounded(t *testing.T) {
	d := NewDispatcher()
	st := d.stateFor(flow.ExporterKey{Addr: "192.0.2.12", Port: 2055})

	now := time.Now()
	for i := 0; i < deferredQueueLimit+10; i++ {
		st.enqueueDeferred(flow.VersionV9, []byte{0, 9}, now, now)
	}
	if len(st.deferred) != deferredQueueLimit {
		t.Fatalf("expected deferred queue capped at %d, got %d", deferredQueueLimit, len(st.deferred))
	}

	st.enqueueDeferred(flow.VersionV9, []byte{0, 9}, now, now.Add(deferredQueueTTL+time.Minute))
	for _, dg := range st.deferred {
		if dg.queuedAt.Before(now.Add(deferredQueueTTL)) {
			t.Fatalf("expected stale deferred entries evicted by TTL")
		}
	}
}
