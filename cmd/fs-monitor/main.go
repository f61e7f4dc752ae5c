package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/gopacket"
	gpcap "github.com/google/gopacket/pcap"

	"flowscope/internal/api"
	"flowscope/internal/config"
	"flowscope/internal/engine/aggregate"
	"flowscope/internal/monitor"
	"flowscope/internal/probe"
	"flowscope/internal/storage"
	"flowscope/internal/storage/archive"
	"flowscope/internal/watchlist"
	fspcap "flowscope/pkg/pcap"
)

const (
	snapshotLen int32 = 1600
	promiscuous       = true
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	source := flag.String("source", "live", "Frame source: 'live' (capture on the configured interface), 'nats' (subscribe to the probe subject), or 'file' (replay a pcap file).")
	pcapFile := flag.String("pcap", "", "Pcap file to replay (required for -source file).")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	snapshotInterval, err := time.ParseDuration(cfg.Monitor.SnapshotInterval)
	if err != nil {
		log.Fatalf("Invalid snapshot_interval: %v", err)
	}
	retentionInterval, err := time.ParseDuration(cfg.Storage.Retention.Interval)
	if err != nil {
		log.Fatalf("Invalid retention interval: %v", err)
	}
	retentionMaxAge, err := time.ParseDuration(cfg.Storage.Retention.MaxAge)
	if err != nil {
		log.Fatalf("Invalid retention max_age: %v", err)
	}

	watch := buildWatchlist(cfg)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
		log.Fatalf("Failed to create storage directory: %v", err)
	}
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	var archiver monitor.SnapshotArchiver
	if cfg.Archive.ClickHouse.Enabled {
		chArchiver, err := archive.NewClickHouse(cfg.Archive.ClickHouse)
		if err != nil {
			log.Fatalf("Failed to initialize ClickHouse archiver: %v", err)
		}
		defer chArchiver.Close()
		archiver = chArchiver
	}

	state := api.NewState(store, watch)
	tables := aggregate.NewTables()
	mon := monitor.New(monitor.Options{
		SnapshotInterval:  snapshotInterval,
		RetentionInterval: retentionInterval,
		RetentionMaxAge:   retentionMaxAge,
		NumWorkers:        cfg.Monitor.NumWorkers,
		FrameChannelSize:  cfg.Monitor.SizeOfFrameChannel,
		Archiver:          archiver,
	}, tables, watch, store, state)
	mon.Start()

	stopSource, sourceDone := startFrameSource(cfg, *source, *pcapFile, mon.Input())

	server := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: api.NewRouter(state),
	}
	go func() {
		log.Printf("API server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", server.Addr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutdown signal received...")

	// Stop the frame source first so the worker channel can drain, then run
	// the monitor's final collect-and-persist pass, then take the API down.
	stopSource()
	<-sourceDone
	mon.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	log.Println("Shutdown complete.")
}

func buildWatchlist(cfg *config.Config) *watchlist.List {
	ips := cfg.Watchlist.IPs
	if envIPs := config.TargetIPsFromEnv(); envIPs != nil {
		log.Printf("TARGET_IP set, overriding watch-list IPs: %v", envIPs)
		ips = envIPs
	}

	watch := watchlist.New(cfg.Monitor.Interface)
	for _, ipStr := range ips {
		if _, err := watch.AddIP(ipStr); err != nil {
			log.Fatalf("Invalid watch-list IP %q: %v", ipStr, err)
		}
	}
	for _, port := range cfg.Watchlist.Ports {
		if _, err := watch.AddPort(port); err != nil {
			log.Fatalf("Invalid watch-list port %d: %v", port, err)
		}
	}
	log.Printf("Watch-list initialized: %d IPs, %d ports.", len(ips), len(cfg.Watchlist.Ports))
	return watch
}

// startFrameSource launches the configured frame source feeding frames. The
// returned stop function halts the source; sourceDone closes once no more
// frames will be sent and frames has been closed by the monitor's feeder.
func startFrameSource(cfg *config.Config, source, pcapFile string, frames chan<- []byte) (stop func(), done <-chan struct{}) {
	sourceDone := make(chan struct{})

	switch source {
	case "live":
		handle, err := gpcap.OpenLive(cfg.Monitor.Interface, snapshotLen, promiscuous, gpcap.BlockForever)
		if err != nil {
			log.Fatalf("Error opening device %s: %v", cfg.Monitor.Interface, err)
		}
		log.Printf("Live capture started on %s.", cfg.Monitor.Interface)
		go func() {
			defer close(sourceDone)
			packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
			for packet := range packetSource.Packets() {
				data := packet.Data()
				frame := make([]byte, len(data))
				copy(frame, data)
				frames <- frame
			}
		}()
		return handle.Close, sourceDone

	case "nats":
		sub, err := probe.NewSubscriber(cfg.Probe)
		if err != nil {
			log.Fatalf("Failed to create NATS subscriber: %v", err)
		}
		if err := sub.Start(func(frame []byte) { frames <- frame }); err != nil {
			log.Fatalf("Subscriber failed to start: %v", err)
		}
		return func() {
			sub.Close()
			close(sourceDone)
		}, sourceDone

	case "file":
		if pcapFile == "" {
			log.Fatalf("-pcap is required with -source file")
		}
		reader, err := fspcap.NewReader(pcapFile)
		if err != nil {
			log.Fatalf("Failed to open pcap file: %v", err)
		}
		go func() {
			defer close(sourceDone)
			defer reader.Close()
			out := make(chan []byte)
			go reader.ReadFrames(out)
			for frame := range out {
				frames <- frame
			}
			log.Printf("Finished replaying %s.", pcapFile)
		}()
		return func() {}, sourceDone

	default:
		log.Fatalf("Invalid frame source: %q", source)
		return nil, nil
	}
}
