package spine

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// streamLog is the append-only record store for one declared stream,
// optionally mirrored to disk at dir/<name>.log (newline-delimited JSON
// records, matching the wire codec's framing convention).
type streamLog struct {
	mu        sync.Mutex
	name      string
	dir       string
	records   []Record
	nextSeq   uint64
	consumers map[string]*Consumer
	file      *os.File
	writer    *bufio.Writer
}

func newStreamLog(dir, name string) *streamLog {
	return &streamLog{
		name:      name,
		dir:       dir,
		nextSeq:   1,
		consumers: make(map[string]*Consumer),
	}
}

// recover replays any on-disk records so that restart rebuilds sequence
// state (spec §4.D / §6: "Recovery: load latest checkpoint, then replay").
func (l *streamLog) recover() error {
	if l.dir == "" {
		return nil
	}
	path := filepath.Join(l.dir, l.name+".log")
	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			var r Record
			if json.Unmarshal(scanner.Bytes(), &r) == nil {
				l.records = append(l.records, r)
				if r.Sequence >= l.nextSeq {
					l.nextSeq = r.Sequence + 1
				}
			}
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}

	f, w, err := newAppendWriter(path)
	if err != nil {
		return err
	}
	l.file = f
	l.writer = w
	return nil
}

func (l *streamLog) append(streamName, subject string, headers map[string]string, payload json.RawMessage) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.nextSeq
	l.nextSeq++
	rec := Record{
		Stream:    streamName,
		Subject:   subject,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Headers:   headers,
		Payload:   payload,
	}
	l.records = append(l.records, rec)

	if l.writer != nil {
		data, err := json.Marshal(rec)
		if err == nil {
			l.writer.Write(data)
			l.writer.WriteByte('\n')
			l.writer.Flush()
		}
	}

	for _, c := range l.consumers {
		c.deliverIfMatched(rec)
	}

	return seq, nil
}

func (l *streamLog) consumer(name, filterPrefix string, ackWait time.Duration, maxDeliver int) *Consumer {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.consumers[name]; ok {
		return c
	}

	c := newConsumer(name, filterPrefix, ackWait, maxDeliver)
	l.consumers[name] = c

	// Durable consumers see the backlog from their last ack forward.
	for _, rec := range l.records {
		if rec.Sequence > c.lastAckSeq {
			c.deliverIfMatched(rec)
		}
	}
	return c
}

func (l *streamLog) consumerHealth(streamName string) []ConsumerHealth {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ConsumerHealth
	head := l.nextSeq - 1
	for name, c := range l.consumers {
		out = append(out, ConsumerHealth{
			Stream:      streamName,
			Consumer:    name,
			Pending:     c.pendingCount(),
			Redelivered: c.redeliveries(),
			Lag:         lagOf(head, c.lastAckSeq),
		})
	}
	return out
}

func lagOf(head, acked uint64) uint64 {
	if head <= acked {
		return 0
	}
	return head - acked
}
