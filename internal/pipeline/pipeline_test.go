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

package pipeline

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/dnsqosd/dnsqosd/internal/metrics"
)

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// gatherMetric returns the series of the named metric in sink's registry
// whose labels are exactly labels, or nil if no such series exists.
func gatherMetric(t *testing.T, sink *metrics.Sink, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := sink.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			if len(m.GetLabel()) != len(labels) {
				continue
			}
			for _, lp := range m.GetLabel() {
				if v, ok := labels[lp.GetName()]; !ok || v != lp.GetValue() {
					continue series
				}
			}
			return m
		}
	}
	return nil
}

// counterValue returns the value of a counter series, 0 if it does not exist yet.
func counterValue(t *testing.T, sink *metrics.Sink, name string, labels map[string]string) float64 {
	t.Helper()
	return gatherMetric(t, sink, name, labels).GetCounter().GetValue()
}

func udpDNSFrame(t *testing.T, srcIP, dstIP net.IP, srcPort, dstPort uint16, dns *layers.DNS) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip4 := &layers.IPv4{Version: 4, TTL: 64, SrcIP: srcIP, DstIP: dstIP, Protocol: layers.IPProtocolUDP}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip4))

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, serializeOpts, eth, ip4, udp, dns))
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

func queryFrame(t *testing.T, txID uint16, ts time.Time) Frame {
	t.Helper()
	dns := &layers.DNS{
		ID: txID,
		QR: false,
		Questions: []layers.DNSQuestion{
			{Name: []byte("example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN},
		},
	}
	data := udpDNSFrame(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 54321, 53, dns)
	return Frame{Timestamp: ts, Data: data}
}

func answerFrame(t *testing.T, txID uint16, ts time.Time, rcode layers.DNSResponseCode) Frame {
	t.Helper()
	dns := &layers.DNS{
		ID:           txID,
		QR:           true,
		ResponseCode: rcode,
		Answers: []layers.DNSResourceRecord{
			{Name: []byte("example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN, TTL: 300, IP: net.IPv4(93, 184, 216, 34)},
		},
	}
	data := udpDNSFrame(t, net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 1), 53, 54321, dns)
	return Frame{Timestamp: ts, Data: data}
}

func tcpFrame(t *testing.T) Frame {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip4 := &layers.IPv4{Version: 4, TTL: 64, SrcIP: net.IPv4(10, 0, 0, 1), DstIP: net.IPv4(10, 0, 0, 2), Protocol: layers.IPProtocolTCP}
	tcp := &layers.TCP{SrcPort: 54321, DstPort: 53}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip4))

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, serializeOpts, eth, ip4, tcp))
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return Frame{Timestamp: time.Now(), Data: out}
}

func newTestPipeline(ttl time.Duration) *Pipeline {
	return New(nil, metrics.New(), Config{BufferSize: 2, TTL: ttl, ListenAddr: "127.0.0.1:0"})
}

func TestHappyPathLatency(t *testing.T) {
	p := newTestPipeline(10 * time.Second)
	base := time.Now()

	p.processFrame(queryFrame(t, 0x1234, base))
	p.processFrame(answerFrame(t, 0x1234, base.Add(15*time.Millisecond), layers.DNSResponseCodeNoErr))

	require.Equal(t, float64(1), counterValue(t, p.sink, "queries_total", nil))
	require.Equal(t, float64(1), counterValue(t, p.sink, "questions_total", map[string]string{"type": "A", "class": "IN"}))
	require.Equal(t, float64(0), counterValue(t, p.sink, "query_timeouts_total", nil))
	latency := gatherMetric(t, p.sink, "query_latency_seconds", nil).GetHistogram()
	require.Equal(t, uint64(1), latency.GetSampleCount())
	require.InDelta(t, 0.015, latency.GetSampleSum(), 1e-9)
	require.Equal(t, 0, p.table.Len())
}

func TestTimeoutExpiresOutstandingQuery(t *testing.T) {
	p := newTestPipeline(10 * time.Second)
	base := time.Now()

	p.processFrame(queryFrame(t, 1, base))
	n := p.table.Expire(base.Add(10 * time.Second))
	p.sink.RecordQueryTimeouts(n)

	require.Equal(t, 1, n)
	require.Equal(t, float64(1), counterValue(t, p.sink, "query_timeouts_total", nil))
	require.Equal(t, 0, p.table.Len())
}

func TestOrphanAnswerIsNoop(t *testing.T) {
	p := newTestPipeline(10 * time.Second)
	p.processFrame(answerFrame(t, 99, time.Now(), layers.DNSResponseCodeNoErr))

	require.Equal(t, float64(0), counterValue(t, p.sink, "queries_total", nil))
	require.Equal(t, 0, p.table.Len())
}

func TestClockRegressionSkipsLatencyButConsumesEntry(t *testing.T) {
	p := newTestPipeline(10 * time.Second)
	base := time.Now()

	p.processFrame(queryFrame(t, 5, base))
	p.processFrame(answerFrame(t, 5, base.Add(-time.Millisecond), layers.DNSResponseCodeNoErr))

	require.Equal(t, uint64(0), gatherMetric(t, p.sink, "query_latency_seconds", nil).GetHistogram().GetSampleCount())
	require.Equal(t, 0, p.table.Len())
}

func TestTCPFrameRejected(t *testing.T) {
	p := newTestPipeline(10 * time.Second)
	p.processFrame(tcpFrame(t))

	require.Equal(t, float64(1), counterValue(t, p.sink, "decode_errors_total", map[string]string{"kind": "NotUdp"}))
	require.Equal(t, 0, p.table.Len())
}

type immediateSource struct {
	frames []Frame
	idx    int
}

func (s *immediateSource) Next(ctx context.Context) (Frame, error) {
	if s.idx >= len(s.frames) {
		<-ctx.Done()
		return Frame{}, ctx.Err()
	}
	f := s.frames[s.idx]
	s.idx++
	return f, nil
}

func TestBufferOverflowDropsExcessFrames(t *testing.T) {
	base := time.Now()
	frames := make([]Frame, 5)
	for i := range frames {
		frames[i] = queryFrame(t, uint16(i+1), base)
	}
	source := &immediateSource{frames: frames}
	sink := metrics.New()
	p := New(source, sink, Config{BufferSize: 2, TTL: time.Second, ListenAddr: "127.0.0.1:0"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = p.intake(ctx)

	require.LessOrEqual(t, len(p.queue), 2)
	require.Equal(t, float64(3), counterValue(t, sink, "frames_dropped_total", map[string]string{"reason": "buffer_full"}))
}
