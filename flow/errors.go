package flow

import (
	"errors"
	"fmt"
)

// Error taxonomy (SPEC_FULL.md §7). All are packet-fatal, never
// process-fatal: a decode failure aborts the current datagram only.
// ErrUnknownTemplate is never returned to external callers — dispatch
// catches it internally and defers the datagram instead.
var (
	ErrTruncated         = errors.New("flow: truncated input")
	ErrUnsupportedVersion = errors.New("flow: unsupported version")
	ErrMalformed         = errors.New("flow: malformed packet")
	ErrUnknownTemplate   = errors.New("flow: unknown template")
	ErrTemplateTimeout   = errors.New("flow: template timeout")
)

// CatalogGap is not an error: it is a warning-level diagnostic logged
// when a field id has no entry in the shared Information Element
// catalog. Decoding continues, with the field surfaced as opaque bytes.
type CatalogGap struct {
	EnterpriseID uint32
	ElementID    uint16
}

func (g CatalogGap) String() string {
	if g.EnterpriseID == 0 {
		return fmt.Sprintf("unknown information element %d", g.ElementID)
	}
	return fmt.Sprintf("unknown information element %d/%d", g.EnterpriseID, g.ElementID)
}

func Truncated(detail string) error {
	return fmt.Errorf("%w: %s", ErrTruncated, detail)
}

func UnsupportedVersion(tag uint16) error {
	return fmt.Errorf("%w: %d", ErrUnsupportedVersion, tag)
}

func Malformed(detail string) error {
	return fmt.Errorf("%w: %s", ErrMalformed, detail)
}

func UnknownTemplate(exporter ExporterKey, templateID uint16) error {
	return fmt.Errorf("%w: %d for exporter %s", ErrUnknownTemplate, templateID, exporter)
}
