// Copyright 2024 The Govisor Authors
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

package appvisor

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

// Log keeps the most recent supervisor log lines in memory, so that the
// control API can serve them.  It implements io.Writer.
type Log struct {
	records []LogRecord
	next    int // total lines written; next%len(records) is the next slot
	id      int64
	changed chan struct{}
	mx      sync.Mutex
}

// NewLog returns a Log holding at most max lines.  A max of zero means
// MaxLogRecords.
func NewLog(max int) *Log {
	if max <= 0 {
		max = MaxLogRecords
	}
	return &Log{
		records: make([]LogRecord, max),
		// Seeding with the clock makes ids from a restarted process
		// unlikely to collide with ids a client has cached.
		id:      time.Now().UnixNano(),
		changed: make(chan struct{}),
	}
}

// Write records each line of b separately.
func (l *Log) Write(b []byte) (int, error) {
	now := time.Now()
	l.mx.Lock()
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		l.id++
		l.records[l.next%len(l.records)] = LogRecord{
			Id:   l.id,
			Time: now,
			Text: line,
		}
		l.next++
	}
	close(l.changed)
	l.changed = make(chan struct{})
	l.mx.Unlock()
	return len(b), nil
}

// Records returns the retained lines, oldest first, and an id suitable for
// use as an Etag.  If last is the current id, nothing has changed and no
// records are returned.
func (l *Log) Records(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.id == last {
		return nil, last
	}
	n := l.next
	if n > len(l.records) {
		n = len(l.records)
	}
	recs := make([]LogRecord, 0, n)
	for i := l.next - n; i < l.next; i++ {
		recs = append(recs, l.records[i%len(l.records)])
	}
	return recs, l.id
}

// Watch blocks until the log id differs from last or ctx is done, and
// returns the id at that point.
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
