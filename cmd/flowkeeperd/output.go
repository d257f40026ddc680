package main

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flowkeeper/flowkeeper/flow"
)

// outputRecord is the per-datagram JSON object described by the
// specification's output schema: exporter address/port, a version-specific
// header summary, and the decoded flow records.
type outputRecord struct {
	Client [2]interface{}         `json:"client"`
	Header map[string]interface{} `json:"header"`
	Flows  []flow.FlowRecord      `json:"flows"`
}

func newOutputRecord(pkt *flow.ExportPacket) outputRecord {
	return outputRecord{
		Client: [2]interface{}{pkt.Exporter.Addr, pkt.Exporter.Port},
		Header: headerToMap(pkt),
		Flows:  pkt.Flows,
	}
}

func headerToMap(pkt *flow.ExportPacket) map[string]interface{} {
	switch pkt.Version {
	case flow.VersionV1:
		h := pkt.HeaderV1
		return map[string]interface{}{
			"version": h.Version, "count": h.Count, "uptime": h.SysUptime,
			"timestamp": h.UnixSecs,
		}
	case flow.VersionV5:
		h := pkt.HeaderV5
		return map[string]interface{}{
			"version": h.Version, "count": h.Count, "uptime": h.SysUptime,
			"timestamp": h.UnixSecs, "sequence": h.FlowSequence,
			"sampling_rate": h.SamplingRate(),
		}
	case flow.VersionV9:
		h := pkt.HeaderV9
		return map[string]interface{}{
			"version": h.Version, "count": h.Count, "uptime": h.SysUptime,
			"timestamp": h.UnixSecs, "sequence": h.SequenceNumber,
			"source_id": h.SourceID,
		}
	case flow.VersionIPFIX:
		h := pkt.HeaderIPFIX
		return map[string]interface{}{
			"version": h.Version, "length": h.Length,
			"timestamp": h.ExportTime, "sequence": h.SequenceNumber,
			"observation_domain_id": h.ObservationDomainID,
		}
	default:
		return map[string]interface{}{"version": pkt.Version}
	}
}

// outputWriter appends one JSON object per line to a gzip-compressed file
// under dir, rotating to a fresh file every `rotate` interval. This is the
// persistence collaborator the core decoder is explicitly decoupled from
// (SPEC_FULL.md §1); it exists here only to give the reference embedder
// something to write to.
type outputWriter struct {
	mu     sync.Mutex
	dir    string
	rotate time.Duration

	file    *os.File
	gz      *gzip.Writer
	enc     *json.Encoder
	openedAt time.Time
}

func newOutputWriter(dir string, rotate time.Duration) (*outputWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	w := &outputWriter{dir: dir, rotate: rotate}
	if err := w.openLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *outputWriter) openLocked() error {
	name := filepath.Join(w.dir, fmt.Sprintf("flows-%s.jsonl.gz", time.Now().UTC().Format("20060102T150405Z")))
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("creating output file %s: %w", name, err)
	}
	w.file = f
	w.gz = gzip.NewWriter(f)
	w.enc = json.NewEncoder(w.gz)
	w.openedAt = time.Now()
	return nil
}

func (w *outputWriter) rotateLocked() error {
	if err := w.closeCurrentLocked(); err != nil {
		return err
	}
	return w.openLocked()
}

func (w *outputWriter) closeCurrentLocked() error {
	if w.gz == nil {
		return nil
	}
	if err := w.gz.Close(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Write appends rec as one JSON line, rotating to a fresh file first if the
// rotation interval has elapsed since the current file was opened.
func (w *outputWriter) Write(rec outputRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if time.Since(w.openedAt) >= w.rotate {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}
	return w.enc.Encode(rec)
}

func (w *outputWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeCurrentLocked()
}
