package dispatch

import (
	"fmt"
	"strings"

	"github.com/flowkeeper/flowkeeper/flow"
)

// v9TemplateStore is the per-exporter template registry handed to
// netflow.DecodeV9. It also tracks whether the most recent Put redefined
// an existing template id with a different field shape, the corroborating
// signal the dispatcher uses for exporter-restart detection.
type v9TemplateStore struct {
	templates map[uint16]flow.TemplateDescriptor

	redefined bool
}

func newV9TemplateStore() *v9TemplateStore {
	return &v9TemplateStore{templates: make(map[uint16]flow.TemplateDescriptor)}
}

func (s *v9TemplateStore) Get(templateID uint16) (flow.TemplateDescriptor, bool) {
	td, ok := s.templates[templateID]
	return td, ok
}

func (s *v9TemplateStore) Put(td flow.TemplateDescriptor) {
	if old, ok := s.templates[td.TemplateID]; ok && templateShape(old) != templateShape(td) {
		s.redefined = true
	}
	s.templates[td.TemplateID] = td
}

// takeRedefined reports and clears whether Put observed a shape-changing
// redefinition since the last call.
func (s *v9TemplateStore) takeRedefined() bool {
	r := s.redefined
	s.redefined = false
	return r
}

// templateShape renders a template's field layout as a comparable string,
// used to tell a genuine redefinition (different field set) apart from a
// harmless re-announcement of an identical template, which exporters do
// periodically per the IPFIX/v9 template refresh interval.
func templateShape(td flow.TemplateDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "opt=%t scope=%d", td.IsOption, td.ScopeFieldCount)
	for _, f := range td.Fields {
		fmt.Fprintf(&b, ";%d:%d/%d", f.EnterpriseID, f.ElementID, f.Length)
	}
	return b.String()
}
