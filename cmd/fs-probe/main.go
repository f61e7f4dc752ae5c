package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	"flowscope/internal/config"
	"flowscope/internal/probe"
)

const (
	snapshotLen int32 = 1600
	promiscuous       = true
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	iface := flag.String("iface", "", "Interface to capture on (overrides the config).")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	device := cfg.Monitor.Interface
	if *iface != "" {
		device = *iface
	}

	publisher, err := probe.NewPublisher(cfg.Probe)
	if err != nil {
		log.Fatalf("Failed to create NATS publisher: %v", err)
	}
	defer publisher.Close()

	handle, err := pcap.OpenLive(device, snapshotLen, promiscuous, pcap.BlockForever)
	if err != nil {
		log.Fatalf("Error opening device %s: %v", device, err)
	}
	defer handle.Close()
	log.Printf("Probe capturing on %s, publishing to '%s'.", device, cfg.Probe.Subject)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("Shutdown signal received, stopping capture...")
		handle.Close()
	}()

	var published uint64
	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range packetSource.Packets() {
		if err := publisher.Publish(packet.Data()); err != nil {
			log.Printf("Failed to publish frame: %v", err)
			continue
		}
		published++
		if published%10000 == 0 {
			log.Printf("Published %d frames.", published)
		}
	}
	log.Printf("Probe stopped after %d frames.", published)
}
