/*
Copyright (c) Facebook, Inc. and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package capture adapts an AF_PACKET ring buffer, filtered down to DNS
// traffic with a BPF program, to the pipeline's FrameSource interface.
package capture

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"github.com/dnsqosd/dnsqosd/internal/pipeline"
)

// snapLen is the maximum length, in bytes, of a captured frame.
const snapLen = 65535

// bpfRule restricts the ring buffer to DNS-over-UDP traffic. The decoder does
// not rely on it: any TCP frame that still reaches it is rejected as NotUdp.
const bpfRule = "udp port 53"

// defaultRingSizeMB is used when a Source is built with a zero RingSizeMB.
const defaultRingSizeMB = 8

// Source reads frames off an AF_PACKET ring buffer and satisfies
// pipeline.FrameSource. A background goroutine performs the blocking
// zero-copy read and deep-copies each frame before handing it to Next,
// since the ring buffer's backing memory is reused as soon as the read
// call returns.
type Source struct {
	tPacket *afpacket.TPacket

	frames chan pipeline.Frame
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

// Open sets up the BPF-filtered ring buffer on the named interface ("" for
// all interfaces) and starts the background read loop. ringSizeMB <= 0
// selects defaultRingSizeMB.
func Open(iface string, ringSizeMB int) (*Source, error) {
	if ringSizeMB <= 0 {
		ringSizeMB = defaultRingSizeMB
	}

	frameSize, blockSize, numBlocks, err := computeRingSizes(mbToB(ringSizeMB), snapLen, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("unable to compute the size of the ring buffer: %w", err)
	}

	var tPacket *afpacket.TPacket
	if iface == "" {
		tPacket, err = afpacket.NewTPacket(afpacket.OptFrameSize(frameSize), afpacket.OptBlockSize(blockSize),
			afpacket.OptNumBlocks(numBlocks), afpacket.OptPollTimeout(pcap.BlockForever), afpacket.SocketRaw, afpacket.TPacketVersion3)
	} else {
		tPacket, err = afpacket.NewTPacket(afpacket.OptInterface(iface), afpacket.OptFrameSize(frameSize), afpacket.OptBlockSize(blockSize),
			afpacket.OptNumBlocks(numBlocks), afpacket.OptPollTimeout(pcap.BlockForever), afpacket.SocketRaw, afpacket.TPacketVersion3)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to create new TPacket object: %w", err)
	}

	if err := setBPFFilter(tPacket, bpfRule, snapLen); err != nil {
		tPacket.Close()
		return nil, fmt.Errorf("unable to set BPF filter: %w", err)
	}

	s := &Source{
		tPacket: tPacket,
		frames:  make(chan pipeline.Frame, 1),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *Source) run() {
	source := gopacket.ZeroCopyPacketDataSource(s.tPacket)
	for {
		data, capInfo, err := source.ZeroCopyReadPacketData()
		if err != nil {
			select {
			case s.errs <- err:
			case <-s.done:
			}
			return
		}

		cp := make([]byte, len(data))
		copy(cp, data)
		frame := pipeline.Frame{Timestamp: capInfo.Timestamp, Data: cp}

		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

// Next implements pipeline.FrameSource.
func (s *Source) Next(ctx context.Context) (pipeline.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.errs:
		return pipeline.Frame{}, err
	case <-ctx.Done():
		return pipeline.Frame{}, ctx.Err()
	}
}

// Close interrupts the blocking ring-buffer read and releases the socket.
// Safe to call more than once.
func (s *Source) Close() error {
	s.once.Do(func() { close(s.done) })
	s.tPacket.Close()
	return nil
}

// computeRingSizes computes the blockSize and the numBlocks so that the
// allocated mmap buffer is close to but smaller than ringTargetSize.
// blockSize must be divisible by both the frame size and the page size:
// blocks are allocated with calls to __get_free_pages().
func computeRingSizes(ringTargetSize, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	if snapLen < pageSize {
		frameSize = pageSize / (pageSize / snapLen)
	} else {
		frameSize = ((snapLen / pageSize) + 1) * pageSize
	}

	blockSize = frameSize * afpacket.DefaultNumBlocks
	numBlocks = ringTargetSize / blockSize
	if numBlocks == 0 {
		return 0, 0, 0, fmt.Errorf("ring size is too small")
	}
	return frameSize, blockSize, numBlocks, nil
}

// setBPFFilter translates a BPF filter string into BPF raw instructions and
// applies them to the ring buffer.
func setBPFFilter(h *afpacket.TPacket, filter string, snapLen int) error {
	pcapBPF, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, filter)
	if err != nil {
		return err
	}

	prog := make([]bpf.RawInstruction, 0, len(pcapBPF))
	for _, ins := range pcapBPF {
		prog = append(prog, bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K})
	}
	return h.SetBPF(prog)
}

func mbToB(mb int) int { return mb * 1024 * 1024 }
