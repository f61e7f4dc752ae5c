// Package pcap replays capture files into the engine as raw frames.
package pcap

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// Reader reads raw frames from a pcap file.
type Reader struct {
	handle *pcap.Handle
}

// NewReader opens a pcap file for reading.
func NewReader(filePath string) (*Reader, error) {
	handle, err := pcap.OpenOffline(filePath)
	if err != nil {
		return nil, err
	}
	return &Reader{handle: handle}, nil
}

// Close closes the pcap handle.
func (r *Reader) Close() {
	r.handle.Close()
}

// ReadFrames sends a copy of every frame's captured bytes to out and closes
// it when the file is exhausted. The copy matters: the engine consumes
// frames asynchronously and gopacket may reuse its buffers.
func (r *Reader) ReadFrames(out chan<- []byte) {
	defer close(out)
	packetSource := gopacket.NewPacketSource(r.handle, r.handle.LinkType())
	for packet := range packetSource.Packets() {
		data := packet.Data()
		frame := make([]byte, len(data))
		copy(frame, data)
		out <- frame
	}
}
