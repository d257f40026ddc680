package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/flowkeeper/flowkeeper/flow"
	"github.com/flowkeeper/flowkeeper/ipfix"
	"github.com/flowkeeper/flowkeeper/netflow"
)

// ipfixPacketToFlow converts a decoded ipfix.Message into the
// version-agnostic flow.ExportPacket the rest of the system works with,
// translating each Field's DataType through the same catalog-driven
// conversion the v9 parser uses so the two protocols render identical
// field names and value kinds for identical information elements.
func ipfixPacketToFlow(msg *ipfix.Message, exporter flow.ExporterKey, receiptTime time.Time) *flow.ExportPacket {
	header := &flow.HeaderIPFIX{
		Version:             msg.Version,
		Length:              msg.Length,
		ExportTime:          msg.ExportTime,
		SequenceNumber:      msg.SequenceNumber,
		ObservationDomainID: msg.ObservationDomainId,
	}

	var flows []flow.FlowRecord
	var newTemplates []flow.TemplateDescriptor
	var gaps []flow.CatalogGap

	for _, set := range msg.Sets {
		switch set.Kind {
		case ipfix.KindDataSet:
			ds, ok := set.Set.(*ipfix.DataSet)
			if !ok {
				continue
			}
			for _, record := range ds.Records {
				rec, recGaps := ipfixRecordToFlowRecord(record.Fields)
				flows = append(flows, rec)
				gaps = append(gaps, recGaps...)
			}
		case ipfix.KindTemplateSet:
			ts, ok := set.Set.(*ipfix.TemplateSet)
			if !ok {
				continue
			}
			for _, record := range ts.Records {
				newTemplates = append(newTemplates, templateRecordToDescriptor(record.TemplateId, false, 0, record.Fields))
			}
		case ipfix.KindOptionsTemplateSet:
			ots, ok := set.Set.(*ipfix.OptionsTemplateSet)
			if !ok {
				continue
			}
			for _, record := range ots.Records {
				all := append(append([]ipfix.Field{}, record.Scopes...), record.Options...)
				newTemplates = append(newTemplates, templateRecordToDescriptor(record.TemplateId, true, record.ScopeFieldCount, all))
			}
		}
	}

	return &flow.ExportPacket{
		Version:      flow.VersionIPFIX,
		Exporter:     exporter,
		HeaderIPFIX:  header,
		Flows:        flows,
		NewTemplates: newTemplates,
		ReceiptTime:  receiptTime,
		CatalogGaps:  gaps,
	}
}

// ipfixRecordToFlowRecord converts one decoded record's fields into a
// FlowRecord, reporting a CatalogGap for every field the catalog had no
// information element for (ipfix/unassigned.go's NewUnassignedFieldBuilder
// names these fields "unassigned").
func ipfixRecordToFlowRecord(fields []ipfix.Field) (flow.FlowRecord, []flow.CatalogGap) {
	rec := make(flow.FlowRecord, len(fields))
	var gaps []flow.CatalogGap
	for _, f := range fields {
		name := netflow.CanonicalName(f.PEN(), f.Id())
		if f.Reversed() {
			name = "REV_" + name
		}
		rec[name] = netflow.FieldValueFromDataType(f.Value())
		if f.Name() == "unassigned" {
			gaps = append(gaps, flow.CatalogGap{EnterpriseID: f.PEN(), ElementID: f.Id()})
		}
	}
	return rec, gaps
}

func templateRecordToDescriptor(templateID uint16, isOption bool, scopeCount uint16, fields []ipfix.Field) flow.TemplateDescriptor {
	tfs := make([]flow.TemplateFieldDescriptor, 0, len(fields))
	for _, f := range fields {
		tfs = append(tfs, flow.TemplateFieldDescriptor{
			EnterpriseID: f.PEN(),
			ElementID:    f.Id(),
			Length:       f.Length(),
			IsScope:      f.IsScope(),
		})
	}
	return flow.TemplateDescriptor{
		TemplateID:      templateID,
		IsOption:        isOption,
		ScopeFieldCount: scopeCount,
		Fields:          tfs,
	}
}

// ipfixTemplateShapes snapshots every template currently in cache as a
// shape signature keyed by (observation domain, template id), used to
// detect a shape-changing redefinition across a PreloadTemplates call
// for exporter-restart detection.
func ipfixTemplateShapes(cache ipfix.TemplateCache) map[ipfix.TemplateKey]string {
	all := cache.GetAll(context.Background())
	shapes := make(map[ipfix.TemplateKey]string, len(all))
	for key, tmpl := range all {
		shapes[key] = ipfixTemplateRecordShape(tmpl.Record)
	}
	return shapes
}

func ipfixTemplateRecordShape(record interface{}) string {
	switch r := record.(type) {
	case *ipfix.TemplateRecord:
		return fieldsShape(r.Fields)
	case *ipfix.OptionsTemplateRecord:
		return fmt.Sprintf("scope=%d;%s;%s", r.ScopeFieldCount, fieldsShape(r.Scopes), fieldsShape(r.Options))
	default:
		return ""
	}
}

// templateShapesChanged reports whether any template id present in both
// snapshots changed shape, the IPFIX-side counterpart of
// v9TemplateStore's redefined flag. A template that merely disappeared
// or newly appeared (cache eviction, first announcement) is not a
// restart signal on its own.
func templateShapesChanged(before, after map[ipfix.TemplateKey]string) bool {
	for key, shape := range after {
		if prev, ok := before[key]; ok && prev != shape {
			return true
		}
	}
	return false
}

func fieldsShape(fields []ipfix.Field) string {
	s := ""
	for _, f := range fields {
		s += fmt.Sprintf(";%d:%d/%d", f.PEN(), f.Id(), f.Length())
	}
	return s
}
