// Package flow defines the version-agnostic data model shared by the
// netflow and ipfix parsers and the dispatch layer: exporter identity,
// the ExportPacket tagged union, flow records, and the field-value sum
// type used to represent decoded scalars without per-version structs.
package flow

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Version identifies which export protocol produced a packet.
type Version uint16

const (
	VersionV1    Version = 1
	VersionV5    Version = 5
	VersionV9    Version = 9
	VersionIPFIX Version = 10
)

func (v Version) String() string {
	switch v {
	case VersionV1:
		return "v1"
	case VersionV5:
		return "v5"
	case VersionV9:
		return "v9"
	case VersionIPFIX:
		return "ipfix"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(v))
	}
}

// ExporterKey uniquely identifies a template namespace: the exporter's
// transport address plus its Source ID (v9) or Observation Domain ID
// (IPFIX). v1 and v5 carry no domain id and always use DomainID 0 — they
// never consult a template registry, but still need an ExporterKey to
// group diagnostics and output by sender.
//
// ExporterKey is comparable and is used directly as a map key by the
// dispatch layer and the template registry wrapper.
type ExporterKey struct {
	Addr     string
	Port     uint16
	DomainID uint32
}

func (k ExporterKey) String() string {
	return fmt.Sprintf("%s:%d/%d", k.Addr, k.Port, k.DomainID)
}

// HeaderV1 is the 16-byte NetFlow v1 header.
type HeaderV1 struct {
	Version   uint16
	Count     uint16
	SysUptime uint32
	UnixSecs  uint32
	UnixNsecs uint32
}

// HeaderV5 is the 24-byte NetFlow v5 header.
type HeaderV5 struct {
	Version          uint16
	Count            uint16
	SysUptime        uint32
	UnixSecs         uint32
	UnixNsecs        uint32
	FlowSequence     uint32
	EngineType       uint8
	EngineID         uint8
	SamplingInterval uint16 // raw on-wire value; see SamplingMode/SamplingRate
}

// SamplingMode returns the top 2 bits of SamplingInterval.
func (h HeaderV5) SamplingMode() uint8 {
	return uint8(h.SamplingInterval >> 14)
}

// SamplingRate returns the low 14 bits of SamplingInterval.
func (h HeaderV5) SamplingRate() uint16 {
	return h.SamplingInterval & 0x3FFF
}

// HeaderV9 is the 20-byte NetFlow v9 header. Count is the number of
// records (template, options-template, and data records combined), not
// the number of flowsets — callers must not use it to bound flowset
// iteration.
type HeaderV9 struct {
	Version        uint16
	Count          uint16
	SysUptime      uint32
	UnixSecs       uint32
	SequenceNumber uint32
	SourceID       uint32
}

// HeaderIPFIX is the 16-byte IPFIX message header. Length bounds the
// total message size, including the header, and must be respected when
// iterating sets.
type HeaderIPFIX struct {
	Version             uint16
	Length              uint16
	ExportTime          uint32
	SequenceNumber      uint32
	ObservationDomainID uint32
}

// TemplateFieldDescriptor names one field of a Template or Options
// Template, as installed into the registry.
type TemplateFieldDescriptor struct {
	EnterpriseID uint32
	ElementID    uint16
	Length       uint16
	IsScope      bool
}

// TemplateDescriptor describes a template or options template newly
// installed while decoding a datagram, surfaced on ExportPacket so
// embedders can observe template churn without reaching into the
// registry directly.
type TemplateDescriptor struct {
	TemplateID      uint16
	IsOption        bool
	ScopeFieldCount uint16
	Fields          []TemplateFieldDescriptor
}

// FieldKind discriminates the representation held by a FieldValue.
type FieldKind uint8

const (
	KindUnsigned FieldKind = iota
	KindSigned
	KindFloat
	KindBool
	KindIPv4
	KindIPv6
	KindMAC
	KindBytes
	KindString
	KindTime
)

// FieldValue is the sum type used for every decoded flow field,
// replacing the source's dynamic attribute assignment (see SPEC_FULL.md
// §9): exactly one of its typed accessors is meaningful, selected by
// Kind.
type FieldValue struct {
	kind  FieldKind
	u     uint64
	i     int64
	f     float64
	b     bool
	bytes []byte
	s     string
	t     time.Time
}

func (v FieldValue) Kind() FieldKind { return v.kind }

func NewUnsigned(u uint64) FieldValue { return FieldValue{kind: KindUnsigned, u: u} }
func NewSigned(i int64) FieldValue    { return FieldValue{kind: KindSigned, i: i} }
func NewFloat(f float64) FieldValue   { return FieldValue{kind: KindFloat, f: f} }
func NewBool(b bool) FieldValue       { return FieldValue{kind: KindBool, b: b} }
func NewString(s string) FieldValue   { return FieldValue{kind: KindString, s: s} }
func NewTime(t time.Time) FieldValue  { return FieldValue{kind: KindTime, t: t} }

func NewBytes(b []byte) FieldValue {
	cp := make([]byte, len(b))
	copy(cp, b)
	return FieldValue{kind: KindBytes, bytes: cp}
}

func NewIPv4(ip net.IP) FieldValue {
	return FieldValue{kind: KindIPv4, bytes: append([]byte(nil), ip.To4()...)}
}

func NewIPv6(ip net.IP) FieldValue {
	return FieldValue{kind: KindIPv6, bytes: append([]byte(nil), ip.To16()...)}
}

func NewMAC(mac net.HardwareAddr) FieldValue {
	return FieldValue{kind: KindMAC, bytes: append([]byte(nil), mac...)}
}

// Uint returns the value as a uint64 along with whether Kind is
// KindUnsigned.
func (v FieldValue) Uint() (uint64, bool) { return v.u, v.kind == KindUnsigned }

// Int returns the value as an int64 along with whether Kind is KindSigned.
func (v FieldValue) Int() (int64, bool) { return v.i, v.kind == KindSigned }

// Bytes returns the raw byte representation for KindBytes, KindIPv4,
// KindIPv6, and KindMAC.
func (v FieldValue) Bytes() ([]byte, bool) {
	switch v.kind {
	case KindBytes, KindIPv4, KindIPv6, KindMAC:
		return v.bytes, true
	default:
		return nil, false
	}
}

// IP reinterprets a KindIPv4/KindIPv6 value as a net.IP.
func (v FieldValue) IP() (net.IP, bool) {
	switch v.kind {
	case KindIPv4, KindIPv6:
		return net.IP(v.bytes), true
	default:
		return nil, false
	}
}

func (v FieldValue) String() string {
	switch v.kind {
	case KindUnsigned:
		return fmt.Sprintf("%d", v.u)
	case KindSigned:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindIPv4, KindIPv6:
		return net.IP(v.bytes).String()
	case KindMAC:
		return net.HardwareAddr(v.bytes).String()
	case KindBytes:
		return hex.EncodeToString(v.bytes)
	case KindString:
		return v.s
	case KindTime:
		return v.t.UTC().Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// MarshalJSON renders the value the way the output schema expects:
// numbers as JSON numbers, addresses/strings/byte blobs as JSON strings.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindUnsigned:
		return json.Marshal(v.u)
	case KindSigned:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return json.Marshal(v.String())
	}
}

// FlowRecord maps a canonical field name (e.g. "IPV4_SRC_ADDR") or,
// for unknown/enterprise fields, a synthetic "_<id>" / "_<pen>_<id>" key,
// to its decoded value.
type FlowRecord map[string]FieldValue

// ExportPacket is the tagged-variant result of decoding one datagram,
// replacing per-version class polymorphism (SPEC_FULL.md §9). Exactly one
// of the Header* fields is populated, selected by Version.
type ExportPacket struct {
	Version  Version
	Exporter ExporterKey

	HeaderV1    *HeaderV1
	HeaderV5    *HeaderV5
	HeaderV9    *HeaderV9
	HeaderIPFIX *HeaderIPFIX

	Flows []FlowRecord

	// NewTemplates lists templates/options-templates installed while
	// decoding this datagram (v9/IPFIX only).
	NewTemplates []TemplateDescriptor

	// ReceiptTime is the time the datagram was received, preserved across
	// deferral so downstream consumers can reorder by original arrival
	// time even when emission was delayed.
	ReceiptTime time.Time

	// RestartDetected is set when this datagram's template activity
	// indicates the exporter process restarted (see SPEC_FULL.md §4.7).
	RestartDetected bool

	// CatalogGaps lists every field decoded with no matching entry in the
	// shared Information Element catalog (v9/IPFIX only); decoding still
	// succeeds, with the field surfaced as opaque bytes.
	CatalogGaps []CatalogGap

	// MalformedFlowSets counts v9 data flowsets skipped because their body
	// was too short to hold even one full record (spec.md Concrete
	// Scenario 6): the flowset is dropped, decoding of the rest of the
	// datagram continues.
	MalformedFlowSets int

	// CountMismatch is set when a v9 packet's declared header count
	// disagrees with the number of records decoded from the datagram
	// (templates installed plus data records); logged as a diagnostic
	// only, never a hard decode failure.
	CountMismatch bool
}
