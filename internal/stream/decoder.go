package stream

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Framing describes how a provider delimits records on the wire.
type Framing int

const (
	// FramingSSE splits records on blank lines per text/event-stream.
	FramingSSE Framing = iota
	// FramingJSONLines splits records on single newlines.
	FramingJSONLines
)

// Record is one complete provider-level record extracted from the raw
// byte stream. For SSE, Event and ID come from the "event:" and "id:"
// fields and Data is the joined "data:" payload; for JSON lines, Data
// is the whole line.
type Record struct {
	Event string
	ID    string
	Data  []byte
}

// MappingTable is the provider-specific half of the adapter: the
// framing plus a translation from one complete record to zero or more
// canonical events. The translate function may use the accumulator to
// gather partial tool-call arguments by call id across records.
type MappingTable struct {
	Provider  string
	Framing   Framing
	Translate func(rec Record, acc *ToolCallAccumulator) []Event
}

// ToolCallAccumulator gathers partial tool-call argument strings by
// call id until the provider signals completion.
type ToolCallAccumulator struct {
	calls map[string]*pendingCall
}

type pendingCall struct {
	name string
	args strings.Builder
}

// Add appends an argument fragment for the given call id, recording
// the name on first sight.
func (a *ToolCallAccumulator) Add(id, name, fragment string) {
	if a.calls == nil {
		a.calls = make(map[string]*pendingCall)
	}
	c, ok := a.calls[id]
	if !ok {
		c = &pendingCall{}
		a.calls[id] = c
	}
	if name != "" {
		c.name = name
	}
	c.args.WriteString(fragment)
}

// Complete returns the accumulated delta for the call id and forgets
// it. The returned delta has Completed set.
func (a *ToolCallAccumulator) Complete(id string) (ToolCallDelta, bool) {
	c, ok := a.calls[id]
	if !ok {
		return ToolCallDelta{}, false
	}
	delete(a.calls, id)
	return ToolCallDelta{ID: id, Name: c.name, Arguments: c.args.String(), Completed: true}, true
}

// Decoder turns a raw provider byte stream into canonical events. It
// is the single entry point shared by all providers: an internal
// buffer absorbs arbitrary chunk boundaries and only complete
// delimiter-terminated records are ever parsed, so a record split
// across network packets is never misread as two records.
type Decoder struct {
	r     io.Reader
	table MappingTable
	buf   bytes.Buffer
	chunk []byte
	acc   ToolCallAccumulator

	pending  []Event
	seq      int
	eof      bool
	finished bool
}

// NewDecoder creates a decoder over a raw response body. startSeq is
// the last sequence number already delivered on this logical stream
// (0 for a fresh stream); sequence numbers continue from there so a
// restarted turn never reorders.
func NewDecoder(r io.Reader, table MappingTable, startSeq int) *Decoder {
	return &Decoder{
		r:     r,
		table: table,
		chunk: make([]byte, 4096),
		seq:   startSeq,
	}
}

// LastSequence returns the sequence number of the most recently
// emitted event.
func (d *Decoder) LastSequence() int { return d.seq }

// Next returns the next canonical event. After the terminal event has
// been delivered it returns io.EOF. A transport-level read failure
// mid-stream is returned as an error so the caller's recovery policy
// (restart, surface) can decide; the decoder itself never retries.
func (d *Decoder) Next() (Event, error) {
	for {
		if len(d.pending) > 0 {
			ev := d.pending[0]
			d.pending = d.pending[1:]
			if ev.Terminal {
				d.finished = true
			}
			return ev, nil
		}
		if d.finished {
			return Event{}, io.EOF
		}

		rec, ok := d.extractRecord()
		if ok {
			events := d.table.Translate(rec, &d.acc)
			if rec.ID != "" {
				for i := range events {
					if events[i].RawEventID == "" {
						events[i].RawEventID = rec.ID
					}
				}
			}
			d.enqueue(events)
			continue
		}

		if d.eof {
			// Stream closed without an explicit terminal sentinel:
			// the HTTP stream close itself means done.
			d.enqueue([]Event{{Kind: KindDone, Terminal: true}})
			continue
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.buf.Write(d.chunk[:n])
		}
		if err == io.EOF {
			d.eof = true
			continue
		}
		if err != nil {
			return Event{}, fmt.Errorf("stream read failed after event %d: %w", d.seq, err)
		}
	}
}

// enqueue stamps sequence numbers and queues translated events,
// dropping anything a table might emit after its terminal event.
func (d *Decoder) enqueue(events []Event) {
	for _, ev := range events {
		if d.finished || (len(d.pending) > 0 && d.pending[len(d.pending)-1].Terminal) {
			return
		}
		d.seq++
		ev.Sequence = d.seq
		d.pending = append(d.pending, ev)
	}
}

// extractRecord pops one complete record from the front of the buffer.
// Returns ok=false when no full delimiter-terminated record is
// buffered yet (except at EOF, where a trailing unterminated record is
// flushed).
func (d *Decoder) extractRecord() (Record, bool) {
	switch d.table.Framing {
	case FramingJSONLines:
		return d.extractLine()
	default:
		return d.extractSSEBlock()
	}
}

func (d *Decoder) extractLine() (Record, bool) {
	data := d.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		if d.eof && len(data) > 0 {
			line := append([]byte(nil), data...)
			d.buf.Reset()
			return Record{Data: bytes.TrimRight(line, "\r")}, true
		}
		return Record{}, false
	}
	line := append([]byte(nil), data[:idx]...)
	d.buf.Next(idx + 1)
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return d.extractLine()
	}
	return Record{Data: line}, true
}

func (d *Decoder) extractSSEBlock() (Record, bool) {
	data := d.buf.Bytes()
	end, skip := findBlankLine(data)
	var block []byte
	if end < 0 {
		if !d.eof || len(bytes.TrimSpace(data)) == 0 {
			return Record{}, false
		}
		block = append([]byte(nil), data...)
		d.buf.Reset()
	} else {
		block = append([]byte(nil), data[:end]...)
		d.buf.Next(end + skip)
	}

	rec, ok := parseSSEBlock(block)
	if !ok {
		// Comment-only or fieldless block, skip it.
		return d.extractSSEBlock()
	}
	return rec, true
}

// findBlankLine locates the first blank-line delimiter ("\n\n" or
// "\r\n\r\n"), returning its offset and length.
func findBlankLine(data []byte) (idx, length int) {
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

func parseSSEBlock(block []byte) (Record, bool) {
	var rec Record
	var dataLines []string
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "" || strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, "event:"):
			rec.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "id:"):
			rec.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		}
	}
	if len(dataLines) == 0 && rec.Event == "" {
		return Record{}, false
	}
	rec.Data = []byte(strings.Join(dataLines, "\n"))
	return rec, true
}
