package dispatch

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/flowkeeper/flowkeeper/flow"
	"github.com/flowkeeper/flowkeeper/ipfix"
)

// Dispatcher-level snapshot wire format: a fixed header followed by one
// record per exporter. The registry the spec asks to be snapshotted and
// restored lives here, at the dispatcher's actual multi-exporter scope
// (Dispatcher.exporters map[flow.ExporterKey]*exporterState), not inside
// any single protocol decoder's own cache. Each exporter record carries
// its ExporterKey plus both of its template stores: v9's in a small
// flow.TemplateDescriptor codec defined below, and IPFIX's by embedding
// the byte-identical blob ipfix.EncodeTemplateSnapshot already produces
// for a single cache.
const (
	dispatchSnapshotMagic   uint32 = 0x464b4402 // "FKD" + 0x02 (dispatch snapshot); format version below
	dispatchSnapshotVersion uint8  = 1
)

// Snapshot renders every exporter's template state currently tracked by
// the dispatcher into a single binary blob, suitable for writing to the
// template-snapshot file a collector process restores from on restart.
func (d *Dispatcher) Snapshot() ([]byte, error) {
	d.mu.Lock()
	states := make([]*exporterState, 0, len(d.exporters))
	for _, st := range d.exporters {
		states = append(states, st)
	}
	d.mu.Unlock()

	var buf bytes.Buffer
	header := make([]byte, 4+1+8)
	binary.BigEndian.PutUint32(header[0:4], dispatchSnapshotMagic)
	header[4] = dispatchSnapshotVersion
	binary.BigEndian.PutUint64(header[5:13], uint64(time.Now().Unix()))
	buf.Write(header)

	count := make([]byte, 4)
	binary.BigEndian.PutUint32(count, uint32(len(states)))
	buf.Write(count)

	ctx := context.Background()
	for _, st := range states {
		if err := encodeExporterSnapshot(&buf, ctx, st); err != nil {
			return nil, fmt.Errorf("dispatch snapshot: exporter %s: %w", st.key, err)
		}
	}

	return buf.Bytes(), nil
}

// Restore installs every template data describes into the named
// exporter's state, overwriting a live template that has the same id.
// Exporters present in data but not yet seen by this dispatcher are
// created; live templates and exporters not mentioned in data are left
// untouched.
func (d *Dispatcher) Restore(data []byte) error {
	if len(data) < 17 {
		return errors.New("dispatch snapshot: truncated header")
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != dispatchSnapshotMagic {
		return fmt.Errorf("dispatch snapshot: bad magic %x", magic)
	}
	version := data[4]
	if version != dispatchSnapshotVersion {
		return fmt.Errorf("dispatch snapshot: unsupported version %d", version)
	}

	r := bytes.NewReader(data[13:])
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return fmt.Errorf("dispatch snapshot: reading exporter count: %w", err)
	}

	for i := uint32(0); i < count; i++ {
		if err := decodeExporterSnapshot(r, d); err != nil {
			return fmt.Errorf("dispatch snapshot: exporter %d: %w", i, err)
		}
	}
	return nil
}

func encodeExporterSnapshot(buf *bytes.Buffer, ctx context.Context, st *exporterState) error {
	writeLengthPrefixedString(buf, st.key.Addr)
	writeUint16(buf, st.key.Port)
	writeUint32(buf, st.key.DomainID)

	writeV9Templates(buf, st.v9Store.templates)

	ipfixBlob := ipfix.EncodeTemplateSnapshot(st.ipfixTemplates.GetAll(ctx))
	writeUint32(buf, uint32(len(ipfixBlob)))
	buf.Write(ipfixBlob)

	return nil
}

func decodeExporterSnapshot(r *bytes.Reader, d *Dispatcher) error {
	addr, err := readLengthPrefixedString(r)
	if err != nil {
		return fmt.Errorf("reading addr: %w", err)
	}
	var port uint16
	if err := binary.Read(r, binary.BigEndian, &port); err != nil {
		return fmt.Errorf("reading port: %w", err)
	}
	var domainID uint32
	if err := binary.Read(r, binary.BigEndian, &domainID); err != nil {
		return fmt.Errorf("reading domain id: %w", err)
	}

	key := flow.ExporterKey{Addr: addr, Port: port, DomainID: domainID}
	st := d.stateFor(key)

	v9Templates, err := readV9Templates(r)
	if err != nil {
		return fmt.Errorf("reading v9 templates: %w", err)
	}
	for _, td := range v9Templates {
		st.v9Store.Put(td)
	}
	st.v9Store.takeRedefined() // restoring prior state is not a restart signal

	var blobLen uint32
	if err := binary.Read(r, binary.BigEndian, &blobLen); err != nil {
		return fmt.Errorf("reading ipfix blob length: %w", err)
	}
	blob := make([]byte, blobLen)
	if _, err := io.ReadFull(r, blob); err != nil {
		return fmt.Errorf("reading ipfix blob: %w", err)
	}

	ipfixTemplates, err := ipfix.DecodeTemplateSnapshot(blob, st.ipfixFields, st.ipfixTemplates)
	if err != nil {
		return fmt.Errorf("decoding ipfix templates: %w", err)
	}
	ctx := context.Background()
	for tk, tmpl := range ipfixTemplates {
		if err := st.ipfixTemplates.Add(ctx, tk, tmpl); err != nil {
			return fmt.Errorf("installing ipfix template %s: %w", tk.String(), err)
		}
	}

	return nil
}

// writeV9Templates/readV9Templates encode a v9TemplateStore's templates
// using the same field-descriptor shape flow.TemplateDescriptor already
// has, independent of the IPFIX package's Field/DataType machinery since
// v9 templates carry no catalog-resolved value, only wire layout.
func writeV9Templates(buf *bytes.Buffer, templates map[uint16]flow.TemplateDescriptor) {
	writeUint32(buf, uint32(len(templates)))
	for _, td := range templates {
		writeUint16(buf, td.TemplateID)
		if td.IsOption {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		writeUint16(buf, td.ScopeFieldCount)
		writeUint16(buf, uint16(len(td.Fields)))
		for _, f := range td.Fields {
			writeUint32(buf, f.EnterpriseID)
			writeUint16(buf, f.ElementID)
			writeUint16(buf, f.Length)
			if f.IsScope {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		}
	}
}

func readV9Templates(r *bytes.Reader) ([]flow.TemplateDescriptor, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}

	tds := make([]flow.TemplateDescriptor, 0, count)
	for i := uint32(0); i < count; i++ {
		var templateID uint16
		if err := binary.Read(r, binary.BigEndian, &templateID); err != nil {
			return nil, err
		}
		isOptionByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		var scopeFieldCount uint16
		if err := binary.Read(r, binary.BigEndian, &scopeFieldCount); err != nil {
			return nil, err
		}
		var fieldCount uint16
		if err := binary.Read(r, binary.BigEndian, &fieldCount); err != nil {
			return nil, err
		}

		fields := make([]flow.TemplateFieldDescriptor, 0, fieldCount)
		for j := uint16(0); j < fieldCount; j++ {
			var enterpriseID uint32
			var elementID, length uint16
			if err := binary.Read(r, binary.BigEndian, &enterpriseID); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.BigEndian, &elementID); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.BigEndian, &length); err != nil {
				return nil, err
			}
			isScopeByte, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			fields = append(fields, flow.TemplateFieldDescriptor{
				EnterpriseID: enterpriseID,
				ElementID:    elementID,
				Length:       length,
				IsScope:      isScopeByte == 1,
			})
		}

		tds = append(tds, flow.TemplateDescriptor{
			TemplateID:      templateID,
			IsOption:        isOptionByte == 1,
			ScopeFieldCount: scopeFieldCount,
			Fields:          fields,
		})
	}
	return tds, nil
}

func writeLengthPrefixedString(buf *bytes.Buffer, s string) {
	writeUint16(buf, uint16(len(s)))
	buf.WriteString(s)
}

func readLengthPrefixedString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	buf.Write(b)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	buf.Write(b)
}
