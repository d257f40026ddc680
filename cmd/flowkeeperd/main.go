// Command flowkeeperd is a reference embedder for the dispatch package: it
// terminates UDP NetFlow/IPFIX traffic, feeds it through dispatch.Dispatcher,
// and writes decoded flows to rotating gzip JSON-lines files. It exists to
// exercise the core decode/drain_resolved contract end to end; the
// specification treats everything in this package (socket setup, CLI
// flags, serialization to disk) as an external collaborator, not part of
// the core under test.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr/funcr"

	"github.com/flowkeeper/flowkeeper/dispatch"
	"github.com/flowkeeper/flowkeeper/ipfix"
)

func main() {
	var (
		listenAddr       = flag.String("listen", "[::]:2055", "UDP address to listen for NetFlow/IPFIX datagrams on")
		outputDir        = flag.String("output", "./flowkeeper-out", "directory to write rotating gzip JSON-lines files to")
		rotate           = flag.Duration("rotate", time.Minute, "how often to rotate the output file")
		drainEvery       = flag.Duration("drain-interval", 5*time.Second, "how often to re-attempt deferred datagrams")
		snapshotPath     = flag.String("snapshot-path", "", "file to restore the template registry from at startup and dump it to on a timer and clean shutdown (disabled if empty)")
		snapshotInterval = flag.Duration("snapshot-interval", time.Minute, "how often to dump the template registry to snapshot-path")
		debug            = flag.Bool("debug", false, "enable verbose structured logging")
	)
	flag.Parse()

	if *debug {
		ipfix.SetLogger(funcr.New(func(prefix, args string) {
			log.Println(prefix, args)
		}, funcr.Options{Verbosity: 1}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("received shutdown signal, draining...")
		cancel()
		<-sig
		os.Exit(1)
	}()

	writer, err := newOutputWriter(*outputDir, *rotate)
	if err != nil {
		log.Fatalf("failed to open output writer: %v", err)
	}
	defer writer.Close()

	d := dispatch.NewDispatcher()
	if *snapshotPath != "" {
		restoreSnapshot(d, *snapshotPath)
		defer dumpSnapshot(d, *snapshotPath)
	}
	listener := ipfix.NewUDPListener(*listenAddr)

	go func() {
		log.Printf("listening for flow datagrams on %s", *listenAddr)
		if err := listener.Listen(ctx); err != nil {
			log.Printf("udp listener exited: %v", err)
		}
	}()

	ticker := time.NewTicker(*drainEvery)
	defer ticker.Stop()

	var snapshotTicker *time.Ticker
	var snapshotTickerC <-chan time.Time
	if *snapshotPath != "" {
		snapshotTicker = time.NewTicker(*snapshotInterval)
		defer snapshotTicker.Stop()
		snapshotTickerC = snapshotTicker.C
	}

	for {
		select {
		case pkt, ok := <-listener.Messages():
			if !ok {
				return
			}
			handleDatagram(d, writer, pkt)
		case <-ticker.C:
			drainResolved(d, writer)
		case <-snapshotTickerC:
			dumpSnapshot(d, *snapshotPath)
		case <-ctx.Done():
			drainResolved(d, writer)
			return
		}
	}
}

func restoreSnapshot(d *dispatch.Dispatcher, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("failed to read template snapshot %s: %v", path, err)
		}
		return
	}
	if err := d.Restore(data); err != nil {
		log.Printf("failed to restore template snapshot %s: %v", path, err)
	}
}

func dumpSnapshot(d *dispatch.Dispatcher, path string) {
	data, err := d.Snapshot()
	if err != nil {
		log.Printf("failed to snapshot template registry: %v", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("failed to write template snapshot %s: %v", path, err)
	}
}

func handleDatagram(d *dispatch.Dispatcher, writer *outputWriter, pkt ipfix.Packet) {
	addr, port := splitUDPAddr(pkt.Addr)
	domainID := dispatch.PeekDomainID(pkt.Data)
	receiptTime := time.Now()

	exportPacket, err := d.Decode(pkt.Data, addr, port, domainID, receiptTime)
	if err != nil {
		log.Printf("decode error from %s:%d: %v", addr, port, err)
		return
	}
	if exportPacket == nil {
		// legally deferred: the datagram is queued awaiting a template.
		return
	}
	if err := writer.Write(newOutputRecord(exportPacket)); err != nil {
		log.Printf("failed to write decoded packet from %s:%d: %v", addr, port, err)
	}
}

func drainResolved(d *dispatch.Dispatcher, writer *outputWriter) {
	for _, resolved := range d.DrainResolved() {
		if err := writer.Write(newOutputRecord(resolved.Packet)); err != nil {
			log.Printf("failed to write resolved packet: %v", err)
		}
	}
}

func splitUDPAddr(addr net.Addr) (string, uint16) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Sprintf("%v", addr), 0
	}
	return udpAddr.IP.String(), uint16(udpAddr.Port)
}
