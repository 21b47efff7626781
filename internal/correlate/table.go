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

// Package correlate tracks outstanding DNS queries and matches them against
// the answers that eventually arrive, expiring anything left uncorrelated
// past a configured TTL.
package correlate

import (
	"container/list"
	"sync"
	"time"

	"github.com/dnsqosd/dnsqosd/internal/decode"
	"github.com/dnsqosd/dnsqosd/internal/fingerprint"
)

// Query is the half of a DNS exchange an outstanding entry remembers: the
// capture timestamp of the originating frame plus its questions.
type Query struct {
	Timestamp time.Time
	Questions []decode.Question
}

// entry is the outstanding-query record owned by the table. It keeps its own
// by-sequence list element so AddQuery and MatchAnswer can unlink it from the
// list without searching.
type entry struct {
	fp        fingerprint.Fingerprint
	query     Query
	sequence  uint64
	expiresAt time.Time
	elem      *list.Element
}

// Table is the two-index correlation table described by the spec:
// by-fingerprint gives O(1) lookup/removal at answer time, by-sequence (here
// a container/list ordered by insertion, which coincides with sequence
// order) gives ordered traversal for expiry. A single mutex guards both
// indexes and the sequence counter; all three public operations are
// individually atomic with respect to concurrent callers.
type Table struct {
	mu  sync.Mutex
	ttl time.Duration

	byFingerprint map[fingerprint.Fingerprint]*entry
	bySequence    *list.List // List of *entry, insertion-ordered == sequence-ordered

	nextSequence uint64
}

// New returns an empty Table with the given TTL.
func New(ttl time.Duration) *Table {
	return &Table{
		ttl:           ttl,
		byFingerprint: make(map[fingerprint.Fingerprint]*entry),
		bySequence:    list.New(),
		nextSequence:  1,
	}
}

// AddQuery inserts q under fp with expiresAt = q.Timestamp + ttl and a fresh
// sequence number. If fp is already outstanding the prior entry is
// overwritten in both indexes — a duplicate transaction ID on the same
// address pair is treated as a retry, and only the latest is tracked.
func (t *Table) AddQuery(fp fingerprint.Fingerprint, q Query) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prior, ok := t.byFingerprint[fp]; ok {
		t.bySequence.Remove(prior.elem)
	}

	e := &entry{
		fp:        fp,
		query:     q,
		sequence:  t.nextSequence,
		expiresAt: q.Timestamp.Add(t.ttl),
	}
	t.nextSequence++
	e.elem = t.bySequence.PushBack(e)
	t.byFingerprint[fp] = e
}

// MatchAnswer removes and returns the outstanding query for fp, if any. A
// second call for the same fingerprint returns ok == false.
func (t *Table) MatchAnswer(fp fingerprint.Fingerprint) (q Query, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, found := t.byFingerprint[fp]
	if !found {
		return Query{}, false
	}
	delete(t.byFingerprint, fp)
	t.bySequence.Remove(e.elem)
	return e.query, true
}

// Expire removes every entry whose expiresAt is <= now, in sequence order,
// and returns how many were removed. It stops at the first entry still
// live, which by construction (I2: expiresAt is non-decreasing in sequence
// order under monotonic capture timestamps) means nothing later needed
// inspecting.
func (t *Table) Expire(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for front := t.bySequence.Front(); front != nil; front = t.bySequence.Front() {
		e := front.Value.(*entry)
		if e.expiresAt.After(now) {
			break
		}
		t.bySequence.Remove(front)
		delete(t.byFingerprint, e.fp)
		n++
	}
	return n
}

// Len reports the number of outstanding entries. Used by tests to assert
// index consistency; not part of the operational hot path.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byFingerprint)
}
