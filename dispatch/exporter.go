package dispatch

import (
	"time"

	"github.com/flowkeeper/flowkeeper/flow"
	"github.com/flowkeeper/flowkeeper/ipfix"
)

// deferredQueueLimit and deferredQueueTTL bound how long an exporter's
// undecodable datagrams are held awaiting a template that may never
// arrive. Both bounds are enforced together: whichever is hit first
// evicts the oldest entry.
const (
	deferredQueueLimit = 500
	deferredQueueTTL   = 10 * time.Minute
)

// deferredDatagram is a whole undecoded datagram held until its missing
// template arrives, or until it ages out of the bound above.
type deferredDatagram struct {
	version     flow.Version
	raw         []byte
	receiptTime time.Time
	queuedAt    time.Time
}

// exporterState is the mutable per-exporter decoding context the
// dispatcher keeps alive across datagrams: the v9 template store, the
// IPFIX decoder trio, sequence-number bookkeeping for restart
// detection, and the bounded deferred queue.
type exporterState struct {
	key flow.ExporterKey

	v9Store *v9TemplateStore

	ipfixTemplates ipfix.StatefulTemplateCache
	ipfixFields    ipfix.FieldCache
	ipfixDecoder   *ipfix.Decoder

	lastSequence uint32
	haveSequence bool

	deferred []deferredDatagram
}

func newExporterState(key flow.ExporterKey) *exporterState {
	templates := ipfix.NewDefaultEphemeralCache()
	fields := ipfix.NewIANAFieldCache(templates)
	return &exporterState{
		key:            key,
		v9Store:        newV9TemplateStore(),
		ipfixTemplates: templates,
		ipfixFields:    fields,
		ipfixDecoder:   ipfix.NewDecoder(templates, fields),
	}
}

// observeSequence folds a newly observed sequence number into the
// exporter's restart bookkeeping. NetFlow/IPFIX sequence numbers count
// either datagrams (v9) or records (IPFIX) and are expected to be
// monotonic modulo wraparound; a sequence number that drops back below
// the last observed value, combined with a template redefinition, is
// the spec's corroborated signal of an exporter restart.
func (e *exporterState) observeSequence(seq uint32) bool {
	reset := e.haveSequence && seq < e.lastSequence
	e.lastSequence = seq
	e.haveSequence = true
	return reset
}

// enqueueDeferred appends a deferred datagram and evicts the oldest
// entries once the queue exceeds its bound, recording a template-timeout
// diagnostic for each eviction since that datagram will now never be
// resolved.
func (e *exporterState) enqueueDeferred(version flow.Version, raw []byte, receiptTime, now time.Time) {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	e.deferred = append(e.deferred, deferredDatagram{version: version, raw: cp, receiptTime: receiptTime, queuedAt: now})
	e.evictDeferred(now)
}

func (e *exporterState) evictDeferred(now time.Time) {
	label := exporterLabel(e.key)
	kept := e.deferred[:0]
	for _, d := range e.deferred {
		if now.Sub(d.queuedAt) > deferredQueueTTL {
			TemplateTimeoutsTotal.WithLabelValues(label, d.version.String()).Inc()
			continue
		}
		kept = append(kept, d)
	}
	e.deferred = kept
	for len(e.deferred) > deferredQueueLimit {
		TemplateTimeoutsTotal.WithLabelValues(label, e.deferred[0].version.String()).Inc()
		e.deferred = e.deferred[1:]
	}
	DeferredQueueDepth.WithLabelValues(exporterLabel(e.key)).Set(float64(len(e.deferred)))
}

// invalidateDeferred drops every datagram currently held for this
// exporter. Called when a restart is detected: templates that arrive
// after a restart describe a new session and cannot resolve data sets
// captured before it.
func (e *exporterState) invalidateDeferred() {
	// Dropped, not timed out: no TemplateTimeoutsTotal increment, the
	// restart itself is the cause of record.
	e.deferred = nil
	DeferredQueueDepth.WithLabelValues(exporterLabel(e.key)).Set(0)
}

func (e *exporterState) ipfixSnapshot() map[ipfix.TemplateKey]string {
	return ipfixTemplateShapes(e.ipfixTemplates)
}
