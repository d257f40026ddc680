package ipfix

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Snapshot wire format: a fixed-size header followed by length-prefixed
// template records. Each template is keyed by (ObservationDomainId,
// TemplateId), matching TemplateKey, followed by its option/scope
// metadata and a list of (enterprise, element id, length, is_scope)
// field descriptors. This replaces the teacher's JSON dump for on-disk
// persistence; it keeps the same goroutine-driven Start/Close lifecycle
// in PersistentCache, only the encoding changes.
const (
	snapshotMagic   uint32 = 0x464b5401 // "FKT" + version 1
	snapshotVersion uint8  = 1
)

// EncodeTemplateSnapshot renders templates using the same binary format
// PersistentCache persists to a single file, for embedders (such as the
// dispatch package) that need to fold several caches' templates into one
// larger multi-exporter snapshot.
func EncodeTemplateSnapshot(templates map[TemplateKey]*Template) []byte {
	return encodeSnapshot(templates)
}

// DecodeTemplateSnapshot parses a blob written by EncodeTemplateSnapshot.
func DecodeTemplateSnapshot(data []byte, fieldCache FieldCache, templateCache TemplateCache) (map[TemplateKey]*Template, error) {
	return decodeSnapshot(data, fieldCache, templateCache)
}

func encodeSnapshot(templates map[TemplateKey]*Template) []byte {
	var buf bytes.Buffer

	header := make([]byte, 4+1+8)
	binary.BigEndian.PutUint32(header[0:4], snapshotMagic)
	header[4] = snapshotVersion
	binary.BigEndian.PutUint64(header[5:13], uint64(time.Now().Unix()))
	buf.Write(header)

	count := make([]byte, 4)
	binary.BigEndian.PutUint32(count, uint32(len(templates)))
	buf.Write(count)

	for key, tmpl := range templates {
		encodeSnapshotTemplate(&buf, key, tmpl)
	}

	return buf.Bytes()
}

func encodeSnapshotTemplate(buf *bytes.Buffer, key TemplateKey, tmpl *Template) {
	keyBytes := make([]byte, 4+2)
	binary.BigEndian.PutUint32(keyBytes[0:4], key.ObservationDomainId)
	binary.BigEndian.PutUint16(keyBytes[4:6], key.TemplateId)
	buf.Write(keyBytes)

	switch r := tmpl.Record.(type) {
	case *TemplateRecord:
		buf.WriteByte(0) // is_option = false
		writeUint16(buf, 0)
		writeFieldList(buf, r.Fields)
	case *OptionsTemplateRecord:
		buf.WriteByte(1) // is_option = true
		writeUint16(buf, r.ScopeFieldCount)
		all := make([]Field, 0, len(r.Scopes)+len(r.Options))
		all = append(all, r.Scopes...)
		all = append(all, r.Options...)
		writeFieldList(buf, all)
	default:
		buf.WriteByte(0)
		writeUint16(buf, 0)
		writeFieldList(buf, nil)
	}
}

func writeFieldList(buf *bytes.Buffer, fields []Field) {
	writeUint16(buf, uint16(len(fields)))
	for _, f := range fields {
		writeUint32(buf, f.PEN())
		writeUint16(buf, f.Id())
		writeUint16(buf, f.Length())
		if f.IsScope() {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
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

// decodeSnapshot parses the binary format written by encodeSnapshot,
// rebuilding each template's fields through fieldCache so their
// DataType constructors come from the live catalog rather than being
// reinvented from raw numbers.
func decodeSnapshot(data []byte, fieldCache FieldCache, templateCache TemplateCache) (map[TemplateKey]*Template, error) {
	if len(data) < 17 {
		return nil, errors.New("snapshot: truncated header")
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != snapshotMagic {
		return nil, fmt.Errorf("snapshot: bad magic %x", magic)
	}
	version := data[4]
	if version != snapshotVersion {
		return nil, fmt.Errorf("snapshot: unsupported version %d", version)
	}
	r := bytes.NewReader(data[13:])

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("snapshot: reading template count, %w", err)
	}

	out := make(map[TemplateKey]*Template, count)

	for i := uint32(0); i < count; i++ {
		key, tmpl, err := decodeSnapshotTemplate(r, fieldCache, templateCache)
		if err != nil {
			return nil, fmt.Errorf("snapshot: decoding template %d, %w", i, err)
		}
		out[key] = tmpl
	}

	return out, nil
}

func decodeSnapshotTemplate(r *bytes.Reader, fieldCache FieldCache, templateCache TemplateCache) (TemplateKey, *Template, error) {
	var observationDomainId uint32
	var templateId uint16
	if err := binary.Read(r, binary.BigEndian, &observationDomainId); err != nil {
		return TemplateKey{}, nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &templateId); err != nil {
		return TemplateKey{}, nil, err
	}

	isOptionByte, err := r.ReadByte()
	if err != nil {
		return TemplateKey{}, nil, err
	}
	isOption := isOptionByte == 1

	var scopeFieldCount uint16
	if err := binary.Read(r, binary.BigEndian, &scopeFieldCount); err != nil {
		return TemplateKey{}, nil, err
	}

	fields, err := readFieldList(r, fieldCache)
	if err != nil {
		return TemplateKey{}, nil, err
	}

	key := TemplateKey{ObservationDomainId: observationDomainId, TemplateId: templateId}
	meta := &TemplateMetadata{
		TemplateId:          templateId,
		ObservationDomainId: observationDomainId,
		CreationTimestamp:   time.Now(),
	}

	if isOption {
		scopes := fields[:scopeFieldCount]
		options := fields[scopeFieldCount:]
		return key, &Template{
			TemplateMetadata: meta,
			Record: &OptionsTemplateRecord{
				TemplateId:      templateId,
				FieldCount:      uint16(len(fields)),
				ScopeFieldCount: scopeFieldCount,
				Scopes:          scopes,
				Options:         options,
				fieldCache:      fieldCache,
				templateCache:   templateCache,
			},
			fieldCache:    fieldCache,
			templateCache: templateCache,
		}, nil
	}

	return key, &Template{
		TemplateMetadata: meta,
		Record: &TemplateRecord{
			TemplateId:    templateId,
			FieldCount:    uint16(len(fields)),
			Fields:        fields,
			fieldCache:    fieldCache,
			templateCache: templateCache,
		},
		fieldCache:    fieldCache,
		templateCache: templateCache,
	}, nil
}

func readFieldList(r *bytes.Reader, fieldCache FieldCache) ([]Field, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}

	fields := make([]Field, 0, n)
	ctx := context.Background()
	for i := uint16(0); i < n; i++ {
		var pen uint32
		var id, length uint16
		var isScope byte
		if err := binary.Read(r, binary.BigEndian, &pen); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &id); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		var err error
		isScope, err = r.ReadByte()
		if err != nil {
			return nil, err
		}

		builder, err := fieldCache.GetBuilder(ctx, NewFieldKey(pen, id))
		if err != nil {
			return nil, fmt.Errorf("resolving field %d/%d from cache, %w", pen, id, err)
		}
		field := builder.SetLength(length).Complete()
		if isScope == 1 {
			field = field.SetScoped()
		}
		fields = append(fields, field)
	}
	return fields, nil
}
