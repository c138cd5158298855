// Package audit implements the append-only governance ledger. All appends
// funnel through a single writer goroutine so entries get a strictly
// monotonic sequence number and a total order, no matter how many proxy and
// DNS handlers are emitting concurrently.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tkingovr/aegis/api"
)

// ErrClosed is returned by Append once the ledger has shut down.
var ErrClosed = errors.New("audit ledger closed")

// Ledger writes line-delimited JSON records to a single append-only file.
type Ledger struct {
	ch   chan *api.AuditRecord
	quit chan struct{}
	done chan struct{}

	file   *os.File
	writer *bufio.Writer
	seq    uint64

	// bounded tail kept in memory for Query/Stats
	mu      sync.Mutex
	records []*api.AuditRecord
	maxMem  int

	subMu   sync.RWMutex
	subs    map[int]chan *api.AuditRecord
	nextSub int

	// closeMu guards closed. Append holds the read side across its send so
	// Close cannot retire the channel while a sender is in flight.
	closeMu sync.RWMutex
	closed  bool
}

const defaultQueueDepth = 256

// Open opens (or creates) the ledger file at path and starts the writer
// goroutine. Existing entries are scanned so the sequence continues across
// restarts instead of resetting.
func Open(path string) (*Ledger, error) {
	seq, err := lastSeq(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening audit ledger: %w", err)
	}

	l := &Ledger{
		ch:     make(chan *api.AuditRecord, defaultQueueDepth),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		file:   f,
		writer: bufio.NewWriter(f),
		seq:    seq,
		maxMem: 10000,
		subs:   make(map[int]chan *api.AuditRecord),
	}
	go l.run()
	return l, nil
}

// Append records one governance event. The payload is marshaled immediately
// (in the caller's goroutine) so a later mutation of v cannot alter the
// ledger entry; the write itself is handed to the writer goroutine.
func (l *Ledger) Append(event api.EventType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling audit payload: %w", err)
	}
	rec := &api.AuditRecord{
		Timestamp: time.Now().UTC(),
		EventType: event,
		Payload:   payload,
	}

	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	l.ch <- rec
	return nil
}

// run is the single serialized append path. On quit it drains whatever is
// still queued before flushing and closing the file.
func (l *Ledger) run() {
	defer func() {
		l.writer.Flush()
		l.file.Close()
		close(l.done)
	}()
	for {
		select {
		case rec := <-l.ch:
			l.seq++
			rec.Seq = l.seq
			l.write(rec)
		case <-l.quit:
			for {
				select {
				case rec := <-l.ch:
					l.seq++
					rec.Seq = l.seq
					l.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (l *Ledger) write(rec *api.AuditRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	l.writer.Write(data)
	l.writer.WriteByte('\n')
	l.writer.Flush()

	l.mu.Lock()
	if len(l.records) >= l.maxMem {
		l.records = l.records[1:]
	}
	l.records = append(l.records, rec)
	l.mu.Unlock()

	l.notifySubscribers(rec)
}

// Query returns the in-memory tail filtered by event type ("" = all) and
// capped at limit (0 = no cap).
func (l *Ledger) Query(event api.EventType, limit int) []*api.AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*api.AuditRecord
	for _, r := range l.records {
		if event != "" && r.EventType != event {
			continue
		}
		out = append(out, r)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Stats returns event counts over the in-memory tail.
func (l *Ledger) Stats() map[api.EventType]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := make(map[api.EventType]int)
	for _, r := range l.records {
		stats[r.EventType]++
	}
	return stats
}

// Subscribe returns a channel receiving every new record. Slow subscribers
// are dropped-from, never blocked on.
func (l *Ledger) Subscribe() (<-chan *api.AuditRecord, func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	ch := make(chan *api.AuditRecord, 100)
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch

	cancel := func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		delete(l.subs, id)
		close(ch)
	}
	return ch, cancel
}

func (l *Ledger) notifySubscribers(rec *api.AuditRecord) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Close drains queued records, flushes, and closes the file. Appends
// accepted before Close are committed; Close blocks until they are. Later
// appends get ErrClosed, they never panic.
func (l *Ledger) Close() error {
	l.closeMu.Lock()
	already := l.closed
	l.closed = true
	l.closeMu.Unlock()

	if !already {
		close(l.quit)
	}
	<-l.done
	return nil
}

// lastSeq scans an existing ledger file for the highest sequence number.
func lastSeq(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("opening existing ledger: %w", err)
	}
	defer f.Close()

	var seq uint64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec api.AuditRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue // a torn final line from a crash is not fatal
		}
		if rec.Seq > seq {
			seq = rec.Seq
		}
	}
	return seq, nil
}
