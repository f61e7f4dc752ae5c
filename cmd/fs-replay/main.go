// Command fs-replay runs the classifier over a pcap file offline and prints
// the resulting dashboard as JSON. Useful for inspecting a capture without
// standing up the full monitor.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"flowscope/internal/analytics"
	"flowscope/internal/engine/aggregate"
	"flowscope/internal/engine/classify"
	"flowscope/internal/watchlist"
	"flowscope/pkg/pcap"
)

func main() {
	pcapFile := flag.String("pcap", "", "Pcap file to replay.")
	targetIPs := flag.String("ips", "", "Comma-separated watch-list IPv4 addresses.")
	targetPorts := flag.String("ports", "", "Comma-separated watch-list ports.")
	flag.Parse()

	if *pcapFile == "" {
		log.Fatal("-pcap is required")
	}

	watch := watchlist.New("offline")
	for _, ipStr := range splitList(*targetIPs) {
		if _, err := watch.AddIP(ipStr); err != nil {
			log.Fatalf("Invalid IP %q: %v", ipStr, err)
		}
	}
	for _, portStr := range splitList(*targetPorts) {
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			log.Fatalf("Invalid port %q: %v", portStr, err)
		}
		if _, err := watch.AddPort(uint16(port)); err != nil {
			log.Fatalf("Invalid port %d: %v", port, err)
		}
	}

	reader, err := pcap.NewReader(*pcapFile)
	if err != nil {
		log.Fatalf("Failed to open pcap file: %v", err)
	}
	defer reader.Close()

	tables := aggregate.NewTables()
	classifier := classify.New(tables, watch)

	var total, aborted uint64
	frames := make(chan []byte)
	go reader.ReadFrames(frames)
	for frame := range frames {
		total++
		if verdict, _ := classifier.Classify(frame); verdict == classify.Aborted {
			aborted++
		}
	}
	log.Printf("Replayed %d frames (%d aborted on malformed headers).", total, aborted)

	snap := tables.Collect(time.Now())
	dashboard := analytics.NewAnalyzer().Build(snap)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dashboard); err != nil {
		log.Fatalf("Failed to encode report: %v", err)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
