// Package netflow implements stateless decoding of NetFlow v1 and v5 fixed
// record layouts, and stateful decoding of NetFlow v9 flowsets against a
// caller-owned template store. It shares the scalar field catalog and the
// canonical naming scheme with the sibling ipfix package, since v9 and
// IPFIX number their information elements from the same IANA registry
// below the enterprise bit.
package netflow

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/flowkeeper/flowkeeper/flow"
	"github.com/flowkeeper/flowkeeper/ipfix"
)

// CanonicalName resolves a (pen, elementID) pair to the upper-snake-case
// identifier used as the key in a flow.FlowRecord. Known IANA elements
// render as their IPFIX registry name in upper snake case (e.g.
// "SOURCE_IPV4_ADDRESS" for element 8); the classic NetFlow v9 field
// names such as "IPV4_SRC_ADDR" are not produced. Unknown or
// enterprise-specific elements fall back to a synthetic "_<id>" or
// "_<pen>_<id>" key. Exported so the dispatch package's IPFIX adapter can
// key flow records identically to the v9 parser in this package, since
// both share the same underlying IANA catalog.
func CanonicalName(pen uint32, elementID uint16) string {
	if pen == 0 {
		if ie, ok := ipfix.Catalog()[elementID]; ok && ie.Name != "" {
			return upperSnake(ie.Name)
		}
		return fmt.Sprintf("_%d", elementID)
	}
	return fmt.Sprintf("_%d_%d", pen, elementID)
}

// upperSnake converts a camelCase or PascalCase IANA IE name (e.g.
// "sourceIPv4Address") into upper-snake-case ("SOURCE_IPV4_ADDRESS"),
// treating runs of uppercase letters (as in "IPv4") as a single unit so
// common IPFIX names render the way NetFlow v9 / nfdump tooling expects.
func upperSnake(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			versionSuffix := i+2 < len(runes) && unicode.IsDigit(runes[i+2])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (nextLower && !versionSuffix && unicode.IsUpper(prev)) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// TemplateStore is the per-exporter template registry a v9 decode pass
// reads from and writes to. Implementations must be safe for sequential
// use from a single dispatch goroutine per exporter; netflow itself never
// synchronizes access.
type TemplateStore interface {
	Get(templateID uint16) (flow.TemplateDescriptor, bool)
	Put(td flow.TemplateDescriptor)
}
