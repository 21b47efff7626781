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

// Package decode implements the strict Ethernet -> IP -> UDP -> DNS layer
// decode used to turn a captured frame into a typed DNS exchange, or reject
// it with one of a small closed set of error kinds.
package decode

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/dnsqosd/dnsqosd/internal/fingerprint"
)

// maxNrLayers bounds the layer slice gopacket's DecodingLayerParser fills in,
// mirroring the teacher's DNSDecoder.Unmarshal sizing.
const maxNrLayers = 10

// ErrorKind enumerates the ways a frame can fail to decode into a DNS
// exchange. Kept as a small closed set rather than wrapped sentinel errors
// so callers (and metrics) can switch on it directly.
type ErrorKind int

const (
	// ErrParseFrame means gopacket's layer parser itself failed.
	ErrParseFrame ErrorKind = iota
	// ErrParseDNS means every lower layer decoded but the DNS payload did not.
	ErrParseDNS
	// ErrNoIPLayer means no IPv4 or IPv6 layer was present.
	ErrNoIPLayer
	// ErrNoTransportLayer means neither UDP nor TCP decoded.
	ErrNoTransportLayer
	// ErrNotUDP means a transport layer decoded, but it was TCP.
	ErrNotUDP
)

func (k ErrorKind) String() string {
	switch k {
	case ErrParseFrame:
		return "ParseFrame"
	case ErrParseDNS:
		return "ParseDns"
	case ErrNoIPLayer:
		return "NoIpLayer"
	case ErrNoTransportLayer:
		return "NoTransportLayer"
	case ErrNotUDP:
		return "NotUdp"
	default:
		return "Unknown"
	}
}

// DecodeError reports why a frame was rejected. Frame-level errors never
// propagate past the decoder; callers log and drop.
type DecodeError struct {
	Kind ErrorKind
	err  error
}

func (e *DecodeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.err)
	}
	return e.Kind.String()
}

func (e *DecodeError) Unwrap() error { return e.err }

func newDecodeError(kind ErrorKind, err error) *DecodeError {
	return &DecodeError{Kind: kind, err: err}
}

// QClass is an opaque label for a DNS question/record class.
type QClass string

// QType is an opaque label for a DNS question type.
type QType string

// Unknown is the sentinel label for any type/class value the decoder does
// not recognize.
const Unknown = "Unknown"

// classNames is the direct, closed mapping from wire class value to label.
// A small fixed table rather than dynamic dispatch, per design: the class
// space is tiny and enumerable up front.
var classNames = map[layers.DNSClass]QClass{
	layers.DNSClassIN:  "IN",
	layers.DNSClassCS:  "CS",
	layers.DNSClassCH:  "CH",
	layers.DNSClassHS:  "HS",
	layers.DNSClassAny: "ANY",
}

// typeNames is the direct, closed mapping from wire type value to label,
// covering the common assigned DNS RR/question types.
var typeNames = map[layers.DNSType]QType{
	layers.DNSTypeA:     "A",
	layers.DNSTypeNS:    "NS",
	layers.DNSTypeCNAME: "CNAME",
	layers.DNSTypeSOA:   "SOA",
	layers.DNSTypePTR:   "PTR",
	layers.DNSTypeMX:    "MX",
	layers.DNSTypeTXT:   "TXT",
	layers.DNSTypeAAAA:  "AAAA",
	layers.DNSTypeSRV:   "SRV",
	layers.DNSTypeOPT:   "OPT",
	layers.DNSTypeALL:   "ANY",
}

func classLabel(c layers.DNSClass) QClass {
	if name, ok := classNames[c]; ok {
		return name
	}
	return Unknown
}

func typeLabel(t layers.DNSType) QType {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return Unknown
}

// DataKind is the discriminator retained for a resource record; wire data
// itself is never materialized.
type DataKind string

// DataKind values. Only these nine wire types are distinguished; everything
// else collapses to Unknown.
const (
	DataA       DataKind = "A"
	DataAAAA    DataKind = "AAAA"
	DataCNAME   DataKind = "CNAME"
	DataMX      DataKind = "MX"
	DataNS      DataKind = "NS"
	DataPTR     DataKind = "PTR"
	DataSOA     DataKind = "SOA"
	DataSRV     DataKind = "SRV"
	DataTXT     DataKind = "TXT"
	DataUnknown DataKind = "Unknown"
)

func dataKindOf(t layers.DNSType) DataKind {
	switch t {
	case layers.DNSTypeA:
		return DataA
	case layers.DNSTypeAAAA:
		return DataAAAA
	case layers.DNSTypeCNAME:
		return DataCNAME
	case layers.DNSTypeMX:
		return DataMX
	case layers.DNSTypeNS:
		return DataNS
	case layers.DNSTypePTR:
		return DataPTR
	case layers.DNSTypeSOA:
		return DataSOA
	case layers.DNSTypeSRV:
		return DataSRV
	case layers.DNSTypeTXT:
		return DataTXT
	default:
		return DataUnknown
	}
}

// Question is a single DNS question, name plus opaque type/class labels.
type Question struct {
	Name  string
	Type  QType
	Class QClass
}

// ResourceRecord retains only the discriminator of an answer's data, never
// the wire bytes.
type ResourceRecord struct {
	Name  string
	TTL   uint32
	Class QClass
	Kind  DataKind
}

// Body is the tagged variant produced once a DecodedPacket is consumed:
// either a Query (questions only) or an Answer (records only).
type Body struct {
	Timestamp time.Time
	IsAnswer  bool
	Questions []Question
	Records   []ResourceRecord
	RCode     layers.DNSResponseCode
}

// DecodedPacket is a successfully parsed DNS-over-UDP-over-IP-over-Ethernet
// frame. Body() consumes it.
type DecodedPacket struct {
	srcIP   net.IP
	srcPort uint16
	dstIP   net.IP
	dstPort uint16

	timestamp time.Time
	dns       *layers.DNS
}

// Fingerprint derives the address-symmetric identity for this exchange.
func (p *DecodedPacket) Fingerprint() fingerprint.Fingerprint {
	return fingerprint.Make(p.srcIP, p.srcPort, p.dstIP, p.dstPort, p.dns.ID)
}

// Body materializes either the Query or the Answer half of the message,
// inspecting the DNS header's QR bit. The answers section is ignored for a
// query and vice versa.
func (p *DecodedPacket) Body() Body {
	b := Body{Timestamp: p.timestamp, IsAnswer: p.dns.QR, RCode: p.dns.ResponseCode}
	if !p.dns.QR {
		b.Questions = make([]Question, 0, len(p.dns.Questions))
		for _, q := range p.dns.Questions {
			b.Questions = append(b.Questions, Question{
				Name:  string(q.Name),
				Type:  typeLabel(q.Type),
				Class: classLabel(q.Class),
			})
		}
		return b
	}
	b.Records = make([]ResourceRecord, 0, len(p.dns.Answers))
	for _, rr := range p.dns.Answers {
		b.Records = append(b.Records, ResourceRecord{
			Name:  string(rr.Name),
			TTL:   rr.TTL,
			Class: classLabel(rr.Class),
			Kind:  dataKindOf(rr.Type),
		})
	}
	return b
}

// Decoder decodes raw Ethernet frames into DecodedPacket, rejecting
// anything that is not DNS-over-UDP.
type Decoder struct{}

// Decode parses a raw frame captured at captureTimestamp. Decoding is
// strict: any layer failure, a missing IP or transport layer, or a non-UDP
// transport yields a *DecodeError and the frame must be dropped by the
// caller.
func (d *Decoder) Decode(raw []byte, captureTimestamp time.Time) (*DecodedPacket, error) {
	var eth layers.Ethernet
	var ip4 layers.IPv4
	var ip6 layers.IPv6
	var tcp layers.TCP
	var udp layers.UDP
	var dns layers.DNS

	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &ip4, &ip6, &tcp, &udp, &dns)
	// A layer the parser has no decoder for (ARP, ICMP, ...) ends decoding
	// without an error, so the checks below report the missing layer.
	parser.IgnoreUnsupported = true
	decodedLayers := make([]gopacket.LayerType, 0, maxNrLayers)
	decodeErr := parser.DecodeLayers(raw, &decodedLayers)

	// decodedLayers holds every layer that decoded successfully before
	// decodeErr was hit, since DecodeLayers appends before attempting the
	// next layer. Inspect it regardless of decodeErr: a malformed DNS
	// payload surfaces here as an error with IP+UDP already present, not as
	// a structural Ethernet/IP failure.
	var haveIP, haveTCP, haveUDP, haveDNS bool
	for _, lt := range decodedLayers {
		switch lt {
		case layers.LayerTypeIPv4, layers.LayerTypeIPv6:
			haveIP = true
		case layers.LayerTypeTCP:
			haveTCP = true
		case layers.LayerTypeUDP:
			haveUDP = true
		case layers.LayerTypeDNS:
			haveDNS = true
		}
	}

	if decodeErr != nil {
		if haveTCP {
			return nil, newDecodeError(ErrNotUDP, decodeErr)
		}
		if haveIP && haveUDP && !haveDNS {
			return nil, newDecodeError(ErrParseDNS, decodeErr)
		}
		return nil, newDecodeError(ErrParseFrame, decodeErr)
	}

	if !haveIP {
		return nil, newDecodeError(ErrNoIPLayer, nil)
	}
	if !haveTCP && !haveUDP {
		return nil, newDecodeError(ErrNoTransportLayer, nil)
	}
	if haveTCP {
		return nil, newDecodeError(ErrNotUDP, nil)
	}
	if !haveDNS {
		return nil, newDecodeError(ErrParseDNS, nil)
	}

	pkt := &DecodedPacket{
		srcPort:   uint16(udp.SrcPort),
		dstPort:   uint16(udp.DstPort),
		timestamp: captureTimestamp,
		dns:       &dns,
	}
	if ip4.SrcIP != nil {
		pkt.srcIP, pkt.dstIP = ip4.SrcIP, ip4.DstIP
	} else {
		pkt.srcIP, pkt.dstIP = ip6.SrcIP, ip6.DstIP
	}
	return pkt, nil
}
