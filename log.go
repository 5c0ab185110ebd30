// Copyright 2026 The Procvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package procvisor

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	MaxLogRecords = 1000
)

type LogRecord struct {
	Id   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Log is a bounded ring of text records.  Every change gets a new id,
// which is suitable for use as an HTTP Etag.  Ids are seeded from the
// clock, so a restarted supervisor does not reuse them.
type Log struct {
	ring    []LogRecord
	next    int // total records ever written; next%len(ring) is the slot
	id      int64
	changed chan struct{}
	mx      sync.Mutex
}

// NewLog returns a Log keeping at most size records.  A size of zero
// selects MaxLogRecords.
func NewLog(size int) *Log {
	if size <= 0 {
		size = MaxLogRecords
	}
	return &Log{
		ring:    make([]LogRecord, size),
		id:      time.Now().UnixNano(),
		changed: make(chan struct{}),
	}
}

// Write implements io.Writer.  Each line of b becomes one record.
func (l *Log) Write(b []byte) (int, error) {
	str := strings.TrimRight(string(b), "\n")
	l.add(strings.Split(str, "\n")...)
	return len(b), nil
}

// Add appends a single record.
func (l *Log) Add(text string) {
	l.add(text)
}

func (l *Log) add(lines ...string) {
	now := time.Now()
	l.mx.Lock()
	for _, line := range lines {
		l.id++
		l.ring[l.next%len(l.ring)] = LogRecord{Id: l.id, Time: now, Text: line}
		l.next++
	}
	close(l.changed)
	l.changed = make(chan struct{})
	l.mx.Unlock()
}

// Clear discards every record.
func (l *Log) Clear() {
	l.mx.Lock()
	l.next = 0
	l.id = time.Now().UnixNano()
	close(l.changed)
	l.changed = make(chan struct{})
	l.mx.Unlock()
}

// Records returns the stored records, oldest first, and the current id.
// If last equals the current id nothing changed and nil is returned.
func (l *Log) Records(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.id == last {
		return nil, last
	}
	cnt := l.next
	if cnt > len(l.ring) {
		cnt = len(l.ring)
	}
	recs := make([]LogRecord, 0, cnt)
	for i := l.next - cnt; i < l.next; i++ {
		recs = append(recs, l.ring[i%len(l.ring)])
	}
	return recs, l.id
}

// Id returns the current change id.
func (l *Log) Id() int64 {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.id
}

// Watch blocks until the id differs from last or ctx is done, and returns
// the id at that point.
func (l *Log) Watch(ctx context.Context, last int64) int64 {
	for {
		l.mx.Lock()
		id, ch := l.id, l.changed
		l.mx.Unlock()
		if id != last {
			return id
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return id
		}
	}
}
