// Package dispatch ties the version-specific NetFlow/IPFIX parsers in
// netflow and ipfix together into the stateful decode contract SPEC_FULL.md
// describes: per-exporter template tracking, whole-datagram deferred
// resolution when a data set's template hasn't arrived yet, and advisory
// exporter-restart detection.
package dispatch

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowkeeper/flowkeeper/flow"
	"github.com/flowkeeper/flowkeeper/ipfix"
	"github.com/flowkeeper/flowkeeper/netflow"
)

// ResolvedPacket pairs a previously-deferred datagram's original receipt
// time with the ExportPacket it finally decoded into, so a downstream
// consumer can still order it correctly relative to packets that arrived
// around the same time.
type ResolvedPacket struct {
	ReceiptTime time.Time
	Packet      *flow.ExportPacket
}

// Dispatcher is the single entry point a UDP listener hands raw datagrams
// to. Its exporter map is guarded by a mutex; each exporter's own state
// (templates, deferred queue, sequence bookkeeping) is not, so calls that
// touch the same exporter must not run concurrently.
type Dispatcher struct {
	mu        sync.Mutex
	exporters map[flow.ExporterKey]*exporterState
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{exporters: make(map[flow.ExporterKey]*exporterState)}
}

func exporterLabel(key flow.ExporterKey) string {
	return key.String()
}

func (d *Dispatcher) stateFor(key flow.ExporterKey) *exporterState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.exporters[key]
	if !ok {
		st = newExporterState(key)
		d.exporters[key] = st
	}
	return st
}

// Decode implements the spec's decode(bytes, exporter_key, receipt_time)
// contract: it returns a nil packet and nil error when the datagram was
// legally deferred awaiting a template, a non-nil packet on successful
// (possibly partial) decode, or an error when the datagram itself could
// not be parsed at all.
func (d *Dispatcher) Decode(raw []byte, addr string, port uint16, domainID uint32, receiptTime time.Time) (*flow.ExportPacket, error) {
	if len(raw) < 2 {
		err := flow.Truncated("datagram shorter than version tag")
		key := flow.ExporterKey{Addr: addr, Port: port, DomainID: domainID}
		TruncatedTotal.WithLabelValues(exporterLabel(key), "unknown").Inc()
		ipfix.FromContext(context.Background(), "exporter", exporterLabel(key)).Error(err, "datagram decode failed")
		return nil, err
	}
	version := flow.Version(binary.BigEndian.Uint16(raw[:2]))
	key := flow.ExporterKey{Addr: addr, Port: port, DomainID: domainID}
	st := d.stateFor(key)

	PacketsTotal.WithLabelValues(version.String()).Inc()

	var pkt *flow.ExportPacket
	var err error
	switch version {
	case flow.VersionV1:
		pkt, err = netflow.DecodeV1(raw, key, receiptTime)
	case flow.VersionV5:
		pkt, err = netflow.DecodeV5(raw, key, receiptTime)
	case flow.VersionV9:
		pkt, err = d.decodeV9(st, raw, key, receiptTime)
	case flow.VersionIPFIX:
		pkt, err = d.decodeIPFIX(st, raw, key, receiptTime)
	default:
		err = flow.UnsupportedVersion(uint16(version))
	}

	if err != nil {
		d.recordDecodeError(key, version, err)
		return nil, err
	}
	return pkt, nil
}

// recordDecodeError classifies a packet-fatal decode error against the
// flow error taxonomy (§7) and bumps the matching per-exporter/per-version
// diagnostic counter, logging it through the teacher's delegating logr
// sink.
func (d *Dispatcher) recordDecodeError(key flow.ExporterKey, version flow.Version, err error) {
	label := exporterLabel(key)
	switch {
	case errors.Is(err, flow.ErrTruncated):
		TruncatedTotal.WithLabelValues(label, version.String()).Inc()
	case errors.Is(err, flow.ErrUnsupportedVersion):
		UnsupportedTotal.WithLabelValues(label, version.String()).Inc()
	case errors.Is(err, flow.ErrMalformed):
		MalformedTotal.WithLabelValues(label, version.String()).Inc()
	}
	ipfix.FromContext(context.Background(), "exporter", label, "version", version.String()).Error(err, "datagram decode failed")
}

func (d *Dispatcher) decodeV9(st *exporterState, raw []byte, key flow.ExporterKey, receiptTime time.Time) (*flow.ExportPacket, error) {
	pkt, err := netflow.DecodeV9(raw, key, receiptTime, st.v9Store)
	if err != nil {
		if errors.Is(err, flow.ErrUnknownTemplate) {
			DeferredTotal.WithLabelValues(flow.VersionV9.String()).Inc()
			st.enqueueDeferred(flow.VersionV9, raw, receiptTime, timeNow())
			return nil, nil
		}
		return nil, err
	}

	restart := st.observeSequence(pkt.HeaderV9.SequenceNumber) && st.v9Store.takeRedefined()
	if restart {
		d.onRestart(st)
	}
	pkt.RestartDetected = restart
	d.recordDiagnostics(key, flow.VersionV9, pkt)
	return pkt, nil
}

// recordDiagnostics bumps the soft-diagnostic counters for a packet that
// decoded successfully but carries non-fatal issues: catalog misses,
// dropped malformed flowsets, and a header/record count mismatch. None
// of these fail the datagram; they only make the gap visible.
func (d *Dispatcher) recordDiagnostics(key flow.ExporterKey, version flow.Version, pkt *flow.ExportPacket) {
	label := exporterLabel(key)
	log := ipfix.FromContext(context.Background(), "exporter", label, "version", version.String())
	if n := len(pkt.CatalogGaps); n > 0 {
		CatalogGapsTotal.WithLabelValues(label, version.String()).Add(float64(n))
		UnknownFieldsTotal.WithLabelValues(label, version.String()).Add(float64(n))
		log.V(1).Info("fields decoded with no catalog entry", "count", n)
	}
	if pkt.MalformedFlowSets > 0 {
		MalformedTotal.WithLabelValues(label, version.String()).Add(float64(pkt.MalformedFlowSets))
		log.Info("dropped malformed flowsets, rest of datagram decoded", "count", pkt.MalformedFlowSets)
	}
	if pkt.CountMismatch {
		log.Info("v9 header record count disagrees with decoded record count")
	}
}

func (d *Dispatcher) decodeIPFIX(st *exporterState, raw []byte, key flow.ExporterKey, receiptTime time.Time) (*flow.ExportPacket, error) {
	before := st.ipfixSnapshot()

	preload := bytes.NewBuffer(append([]byte{}, raw...))
	if err := st.ipfixDecoder.PreloadTemplates(context.Background(), preload); err != nil {
		return nil, flow.Malformed(err.Error())
	}

	after := st.ipfixSnapshot()
	redefined := templateShapesChanged(before, after)

	decodeBuf := bytes.NewBuffer(append([]byte{}, raw...))
	msg, err := st.ipfixDecoder.Decode(context.Background(), decodeBuf)
	if err != nil {
		if errors.Is(err, ipfix.ErrTemplateNotFound) {
			DeferredTotal.WithLabelValues(flow.VersionIPFIX.String()).Inc()
			st.enqueueDeferred(flow.VersionIPFIX, raw, receiptTime, timeNow())
			return nil, nil
		}
		return nil, flow.Malformed(err.Error())
	}

	pkt := ipfixPacketToFlow(msg, key, receiptTime)
	restart := st.observeSequence(pkt.HeaderIPFIX.SequenceNumber) && redefined
	if restart {
		d.onRestart(st)
	}
	pkt.RestartDetected = restart
	d.recordDiagnostics(key, flow.VersionIPFIX, pkt)
	return pkt, nil
}

func (d *Dispatcher) onRestart(st *exporterState) {
	ExporterRestartsTotal.Inc()
	st.invalidateDeferred()
}

// DrainResolved re-attempts every datagram currently held in each
// exporter's deferred queue and returns those that now decode
// successfully, each tagged with its original receipt time. Datagrams
// that still can't be resolved remain queued for a later call.
func (d *Dispatcher) DrainResolved() []ResolvedPacket {
	d.mu.Lock()
	states := make([]*exporterState, 0, len(d.exporters))
	for _, st := range d.exporters {
		states = append(states, st)
	}
	d.mu.Unlock()

	var resolved []ResolvedPacket
	now := timeNow()
	for _, st := range states {
		pending := st.deferred
		st.deferred = nil
		for _, dg := range pending {
			pkt, err := d.redecode(st, dg)
			if err != nil {
				continue
			}
			if pkt == nil {
				// decodeV9/decodeIPFIX already put the datagram back on the
				// queue; keep its original queue time so the TTL still applies.
				if n := len(st.deferred); n > 0 {
					st.deferred[n-1].queuedAt = dg.queuedAt
				}
				continue
			}
			ResolvedTotal.WithLabelValues(dg.version.String()).Inc()
			resolved = append(resolved, ResolvedPacket{ReceiptTime: dg.receiptTime, Packet: pkt})
		}
		st.evictDeferred(now)
	}
	return resolved
}

func (d *Dispatcher) redecode(st *exporterState, dg deferredDatagram) (*flow.ExportPacket, error) {
	switch dg.version {
	case flow.VersionV9:
		return d.decodeV9(st, dg.raw, st.key, dg.receiptTime)
	case flow.VersionIPFIX:
		return d.decodeIPFIX(st, dg.raw, st.key, dg.receiptTime)
	default:
		return nil, fmt.Errorf("deferred datagram has non-stateful version %s", dg.version)
	}
}

// PeekDomainID extracts the source/observation-domain id a caller needs to
// build an ExporterKey before Decode has run, since that id lives at a
// version-specific fixed offset in each stateful header (v9's source_id at
// byte 16, IPFIX's observation_domain_id at byte 12). v1 and v5 carry no
// such field and always key as domain 0.
func PeekDomainID(raw []byte) uint32 {
	if len(raw) < 2 {
		return 0
	}
	switch flow.Version(binary.BigEndian.Uint16(raw[:2])) {
	case flow.VersionV9:
		if len(raw) < 20 {
			return 0
		}
		return binary.BigEndian.Uint32(raw[16:20])
	case flow.VersionIPFIX:
		if len(raw) < 16 {
			return 0
		}
		return binary.BigEndian.Uint32(raw[12:16])
	default:
		return 0
	}
}

func timeNow() time.Time { return time.Now() }
