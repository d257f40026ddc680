package netflow

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/flowkeeper/flowkeeper/cursor"
	"github.com/flowkeeper/flowkeeper/flow"
	"github.com/flowkeeper/flowkeeper/ipfix"
)

const v9HeaderSize int = 20

const (
	v9FlowSetTemplate        uint16 = 0
	v9FlowSetOptionsTemplate uint16 = 1
)

// fieldCache is shared process-wide: it holds only the IANA catalog, never
// exporter-specific template state, so one instance safely serves every
// exporter's v9 decode.
var fieldCache = ipfix.NewIANAFieldCache(nil)

// DecodeV9 decodes a NetFlow v9 datagram against store, a per-exporter
// template registry owned by the caller (normally the dispatch package).
//
// It runs two passes over data: the first installs every Template and
// Options Template FlowSet into store regardless of where in the datagram
// it falls, so a data FlowSet earlier in the same datagram than its
// defining template still resolves. The second pass decodes data
// FlowSets using the now-current store. If any data FlowSet's template is
// still missing after both passes (because it genuinely has not arrived
// on the wire yet), DecodeV9 returns flow.ErrUnknownTemplate and the
// caller is expected to defer the entire raw datagram rather than emit a
// partial result.
func DecodeV9(data []byte, exporter flow.ExporterKey, receiptTime time.Time, store TemplateStore) (*flow.ExportPacket, error) {
	header, err := decodeV9Header(data)
	if err != nil {
		return nil, err
	}

	newTemplates, _, err := v9InstallTemplates(data[v9HeaderSize:], store)
	if err != nil {
		return nil, err
	}

	flows, malformedFlowSets, catalogGaps, err := v9DecodeDataFlowSets(data[v9HeaderSize:], store)
	if err != nil {
		return nil, err
	}

	return &flow.ExportPacket{
		Version:           flow.VersionV9,
		Exporter:          exporter,
		HeaderV9:          header,
		Flows:             flows,
		NewTemplates:      newTemplates,
		ReceiptTime:       receiptTime,
		CatalogGaps:       catalogGaps,
		MalformedFlowSets: malformedFlowSets,
		CountMismatch:     int(header.Count) != len(newTemplates)+len(flows),
	}, nil
}

func decodeV9Header(data []byte) (*flow.HeaderV9, error) {
	c := cursor.New(data)

	version, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v9 header: version")
	}
	if version != uint16(flow.VersionV9) {
		return nil, flow.UnsupportedVersion(version)
	}
	count, err := c.U16()
	if err != nil {
		return nil, flow.Truncated("v9 header: count")
	}
	sysUptime, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v9 header: sysUptime")
	}
	unixSecs, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v9 header: unixSecs")
	}
	sequenceNumber, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v9 header: sequenceNumber")
	}
	sourceID, err := c.U32()
	if err != nil {
		return nil, flow.Truncated("v9 header: sourceId")
	}

	return &flow.HeaderV9{
		Version:        version,
		Count:          count,
		SysUptime:      sysUptime,
		UnixSecs:       unixSecs,
		SequenceNumber: sequenceNumber,
		SourceID:       sourceID,
	}, nil
}

// v9InstallTemplates walks every flowset in body and installs Template and
// Options Template flowsets into store. Data flowsets are skipped, but
// still counted in the returned total of flowsets walked.
func v9InstallTemplates(body []byte, store TemplateStore) ([]flow.TemplateDescriptor, int, error) {
	c := cursor.New(body)
	var installed []flow.TemplateDescriptor
	total := 0

	for c.Remaining() >= 4 {
		flowSetID, length, setBody, err := v9ReadFlowSetHeader(c)
		if err != nil {
			return installed, total, err
		}
		total++

		switch flowSetID {
		case v9FlowSetTemplate:
			tds, err := decodeV9TemplateFlowSet(setBody)
			if err != nil {
				return installed, total, err
			}
			for _, td := range tds {
				store.Put(td)
				installed = append(installed, td)
			}
		case v9FlowSetOptionsTemplate:
			tds, err := decodeV9OptionsTemplateFlowSet(setBody)
			if err != nil {
				return installed, total, err
			}
			for _, td := range tds {
				store.Put(td)
				installed = append(installed, td)
			}
		default:
			// data flowset, nothing to install in this pass
			_ = length
		}
	}

	return installed, total, nil
}

// v9DecodeDataFlowSets walks every data flowset in body and decodes it
// against the template currently in store. It returns flow.ErrUnknownTemplate
// the first time a data flowset's template cannot be found — that error is
// packet-fatal and propagated so the whole datagram can be deferred.
//
// A data flowset whose body is too short to hold even one full record
// (spec.md Concrete Scenario 6) is not packet-fatal: its header was already
// consumed at its declared length, so the byte stream stays in sync for the
// flowsets that follow. That flowset is dropped and counted in the returned
// malformed count instead of aborting the rest of the datagram.
func v9DecodeDataFlowSets(body []byte, store TemplateStore) ([]flow.FlowRecord, int, []flow.CatalogGap, error) {
	c := cursor.New(body)
	var flows []flow.FlowRecord
	var gaps []flow.CatalogGap
	malformed := 0

	for c.Remaining() >= 4 {
		flowSetID, _, setBody, err := v9ReadFlowSetHeader(c)
		if err != nil {
			return flows, malformed, gaps, err
		}

		if flowSetID == v9FlowSetTemplate || flowSetID == v9FlowSetOptionsTemplate {
			continue
		}

		td, ok := store.Get(flowSetID)
		if !ok {
			return flows, malformed, gaps, flow.ErrUnknownTemplate
		}

		records, recordGaps, err := decodeV9DataFlowSet(setBody, td)
		if err != nil {
			malformed++
			continue
		}
		flows = append(flows, records...)
		gaps = append(gaps, recordGaps...)
	}

	return flows, malformed, gaps, nil
}

// v9ReadFlowSetHeader reads a FlowSet header (id, length) from c and
// returns a cursor restricted to the flowset's body (length - 4 bytes).
func v9ReadFlowSetHeader(c *cursor.Cursor) (id uint16, length uint16, body *cursor.Cursor, err error) {
	id, err = c.U16()
	if err != nil {
		return 0, 0, nil, flow.Truncated("v9 flowset: id")
	}
	length, err = c.U16()
	if err != nil {
		return 0, 0, nil, flow.Truncated("v9 flowset: length")
	}
	if length < 4 {
		return 0, 0, nil, flow.Malformed("v9 flowset length smaller than header")
	}
	raw, err := c.Bytes(int(length) - 4)
	if err != nil {
		return 0, 0, nil, flow.Truncated("v9 flowset: body")
	}
	return id, length, cursor.New(raw), nil
}

func decodeV9TemplateFlowSet(c *cursor.Cursor) ([]flow.TemplateDescriptor, error) {
	var tds []flow.TemplateDescriptor
	for c.Remaining() >= 4 {
		templateID, err := c.U16()
		if err != nil {
			return tds, flow.Truncated("v9 template: id")
		}
		fieldCount, err := c.U16()
		if err != nil {
			return tds, flow.Truncated("v9 template: fieldCount")
		}
		fields := make([]flow.TemplateFieldDescriptor, 0, fieldCount)
		for i := uint16(0); i < fieldCount; i++ {
			fieldType, err := c.U16()
			if err != nil {
				return tds, flow.Truncated("v9 template: field type")
			}
			fieldLength, err := c.U16()
			if err != nil {
				return tds, flow.Truncated("v9 template: field length")
			}
			fields = append(fields, flow.TemplateFieldDescriptor{
				ElementID: fieldType,
				Length:    fieldLength,
			})
		}
		tds = append(tds, flow.TemplateDescriptor{
			TemplateID: templateID,
			Fields:     fields,
		})
	}
	return tds, nil
}

func decodeV9OptionsTemplateFlowSet(c *cursor.Cursor) ([]flow.TemplateDescriptor, error) {
	var tds []flow.TemplateDescriptor
	for c.Remaining() >= 6 {
		templateID, err := c.U16()
		if err != nil {
			return tds, flow.Truncated("v9 options template: id")
		}
		scopeLength, err := c.U16()
		if err != nil {
			return tds, flow.Truncated("v9 options template: scopeLength")
		}
		optionLength, err := c.U16()
		if err != nil {
			return tds, flow.Truncated("v9 options template: optionLength")
		}

		scopeCount := scopeLength / 4
		optionCount := optionLength / 4

		fields := make([]flow.TemplateFieldDescriptor, 0, int(scopeCount)+int(optionCount))
		for i := uint16(0); i < scopeCount; i++ {
			fieldType, err := c.U16()
			if err != nil {
				return tds, flow.Truncated("v9 options template: scope type")
			}
			fieldLength, err := c.U16()
			if err != nil {
				return tds, flow.Truncated("v9 options template: scope length")
			}
			fields = append(fields, flow.TemplateFieldDescriptor{ElementID: fieldType, Length: fieldLength, IsScope: true})
		}
		for i := uint16(0); i < optionCount; i++ {
			fieldType, err := c.U16()
			if err != nil {
				return tds, flow.Truncated("v9 options template: option type")
			}
			fieldLength, err := c.U16()
			if err != nil {
				return tds, flow.Truncated("v9 options template: option length")
			}
			fields = append(fields, flow.TemplateFieldDescriptor{ElementID: fieldType, Length: fieldLength})
		}

		tds = append(tds, flow.TemplateDescriptor{
			TemplateID:      templateID,
			IsOption:        true,
			ScopeFieldCount: scopeCount,
			Fields:          fields,
		})
	}
	return tds, nil
}

func decodeV9DataFlowSet(c *cursor.Cursor, td flow.TemplateDescriptor) ([]flow.FlowRecord, []flow.CatalogGap, error) {
	recordLength := 0
	for _, f := range td.Fields {
		recordLength += int(f.Length)
	}
	if recordLength == 0 {
		return nil, nil, flow.Malformed("v9 template has zero-length record")
	}

	bodyLen := c.Remaining()
	var records []flow.FlowRecord
	var gaps []flow.CatalogGap
	for c.Remaining() >= recordLength {
		rec := make(flow.FlowRecord, len(td.Fields))
		for _, f := range td.Fields {
			raw, err := c.Bytes(int(f.Length))
			if err != nil {
				return records, gaps, flow.Truncated("v9 data: field value")
			}
			name, value, gap := decodeV9Field(f, raw)
			rec[name] = value
			if gap != nil {
				gaps = append(gaps, *gap)
			}
		}
		records = append(records, rec)
	}
	// trailing padding to the next 4-byte boundary is ignored by the loop
	// bound above: once fewer than recordLength bytes remain, decoding stops.
	if len(records) == 0 && bodyLen > 0 {
		return nil, nil, flow.Malformed("v9 data flowset too short for a full record")
	}
	return records, gaps, nil
}

// decodeV9Field resolves a template field's canonical name and decoded
// value using the shared IANA catalog, falling back to an opaque byte
// value for unrecognized element ids. A non-nil CatalogGap is returned
// whenever that fallback happens, for the caller to surface as a
// diagnostic rather than a decode failure.
func decodeV9Field(f flow.TemplateFieldDescriptor, raw []byte) (string, flow.FieldValue, *flow.CatalogGap) {
	name := CanonicalName(f.EnterpriseID, f.ElementID)

	if f.EnterpriseID != 0 {
		// Enterprise-specific fields are opaque by design, not a gap: there
		// is no shared catalog to have missed them from.
		return name, flow.NewBytes(raw), nil
	}

	ie, ok := ipfix.Catalog()[f.ElementID]
	if !ok || ie.Constructor == nil {
		return name, flow.NewBytes(raw), &flow.CatalogGap{EnterpriseID: f.EnterpriseID, ElementID: f.ElementID}
	}

	builder, err := fieldCache.GetBuilder(context.Background(), ipfix.NewFieldKey(f.EnterpriseID, f.ElementID))
	if err != nil {
		return name, flow.NewBytes(raw), &flow.CatalogGap{EnterpriseID: f.EnterpriseID, ElementID: f.ElementID}
	}

	field := builder.SetLength(uint16(len(raw))).Complete()
	if _, err := field.Decode(cursorReader{raw}); err != nil {
		return name, flow.NewBytes(raw), &flow.CatalogGap{EnterpriseID: f.EnterpriseID, ElementID: f.ElementID}
	}

	return name, FieldValueFromDataType(field.Value()), nil
}

// cursorReader adapts a byte slice to io.Reader for one-shot full reads,
// matching the exact length Field.Decode expects from its fixed-length
// DataType constructor.
type cursorReader struct{ b []byte }

func (r cursorReader) Read(p []byte) (int, error) {
	n := copy(p, r.b)
	return n, nil
}

// FieldValueFromDataType converts a decoded ipfix.DataType into the
// version-agnostic flow.FieldValue sum type, matching on the concrete Go
// type each DataType implementation stores (see ipfix's scalar DataType
// catalog: unsigned/signed integers of width 8-64, float32/64, bool,
// net.HardwareAddr, string, []byte, net.IP, and time.Time).
func FieldValueFromDataType(dt ipfix.DataType) flow.FieldValue {
	switch v := dt.Value().(type) {
	case uint8:
		return flow.NewUnsigned(uint64(v))
	case uint16:
		return flow.NewUnsigned(uint64(v))
	case uint32:
		return flow.NewUnsigned(uint64(v))
	case uint64:
		return flow.NewUnsigned(v)
	case int8:
		return flow.NewSigned(int64(v))
	case int16:
		return flow.NewSigned(int64(v))
	case int32:
		return flow.NewSigned(int64(v))
	case int64:
		return flow.NewSigned(v)
	case float32:
		return flow.NewFloat(float64(v))
	case float64:
		return flow.NewFloat(v)
	case bool:
		return flow.NewBool(v)
	case string:
		return flow.NewString(v)
	case []byte:
		return flow.NewBytes(v)
	case net.HardwareAddr:
		return flow.NewMAC(v)
	case net.IP:
		if v.To4() != nil {
			return flow.NewIPv4(v)
		}
		return flow.NewIPv6(v)
	case time.Time:
		return flow.NewTime(v)
	default:
		return flow.NewString(fmt.Sprintf("%v", v))
	}
}
