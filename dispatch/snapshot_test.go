package dispatch

import (
	"net"
	"testing"
	"time"
)

// TestDispatcher_SnapshotRestoreRoundTrip exercises the snapshot/restore
// invariant at the scope spec.md requires: the dispatcher's full
// multi-exporter registry, not any single decoder's own cache. Two
// exporters each get a v9 template installed; a fresh dispatcher restored
// from the snapshot must resolve data flowsets from both without either
// template arriving again on the wire.
func TestDispatcher_SnapshotRestoreRoundTrip(t *testing.T) {
	d := NewDispatcher()
	const templateA, templateB = 700, 701

	first := append(v9Header(1, 1), v9TemplateFlowSet(templateA, v9TestFields)...)
	if _, err := d.Decode(first, "192.0.2.30", 2055, 0, time.Now()); err != nil {
		t.Fatalf("unexpected error installing template A: %v", err)
	}
	second := append(v9Header(1, 1), v9TemplateFlowSet(templateB, v9TestFields)...)
	if _, err := d.Decode(second, "192.0.2.31", 2055, 0, time.Now()); err != nil {
		t.Fatalf("unexpected error installing template B: %v", err)
	}

	blob, err := d.Snapshot()
	if err != nil {
		t.Fatalf("unexpected error snapshotting: %v", err)
	}

	restored := NewDispatcher()
	if err := restored.Restore(blob); err != nil {
		t.Fatalf("unexpected error restoring: %v", err)
	}

	dataA := append(v9Header(1, 2), v9DataFlowSet(templateA, v9Record(net.IPv4(10, 5, 5, 5), 6, 443))...)
	pkt, err := restored.Decode(dataA, "192.0.2.30", 2055, 0, time.Now())
	if err != nil {
		t.Fatalf("unexpected error decoding against restored template A: %v", err)
	}
	if pkt == nil {
		t.Fatal("expected template A to resolve from restored state, got a deferral")
	}
	if len(pkt.Flows) != 1 {
		t.Fatalf("expected 1 flow, got %d", len(pkt.Flows))
	}

	dataB := append(v9Header(1, 2), v9DataFlowSet(templateB, v9Record(net.IPv4(10, 6, 6, 6), 17, 53))...)
	pkt, err = restored.Decode(dataB, "192.0.2.31", 2055, 0, time.Now())
	if err != nil {
		t.Fatalf("unexpected error decoding against restored template B: %v", err)
	}
	if pkt == nil {
		t.Fatal("expected template B to resolve from restored state, got a deferral")
	}

	if pkt.RestartDetected {
		t.Error("restoring prior template state must not itself look like an exporter restart")
	}
}

func TestDispatcher_SnapshotRestore_BadMagic(t *testing.T) {
	d := NewDispatcher()
	if err := d.Restore([]byte("not a snapshot, just garbage bytes padded out")); err == nil {
		t.Fatal("expected an error restoring garbage data, got nil")
	}
}

func TestDispatcher_SnapshotEmpty(t *testing.T) {
	d := NewDispatcher()
	blob, err := d.Snapshot()
	if err != nil {
		t.Fatalf("unexpected error snapshotting empty dispatcher: %v", err)
	}
	if err := NewDispatcher().Restore(blob); err != nil {
		t.Fatalf("unexpected error restoring empty snapshot: %v", err)
	}
}
