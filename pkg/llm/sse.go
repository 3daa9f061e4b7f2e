package llm

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// DataPrefix is the event prefix used by every supported vendor stream
const DataPrefix = "data:"

// ErrStopStream may be returned by a line handler to end reading without error
var ErrStopStream = errors.New("stop stream")

// LineDecoder splits a byte stream into lines. A line may span several physical reads;
// the trailing partial line is retained until its newline arrives.
type LineDecoder struct {
	buf []byte
}

// Feed appends p and returns every complete line, without the newline and any trailing '\r'
func (d *LineDecoder) Feed(p []byte) []string {
	d.buf = append(d.buf, p...)

	var lines []string
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(d.buf[:idx], []byte{'\r'})
		lines = append(lines, string(line))
		d.buf = d.buf[idx+1:]
	}

	// Compact so a long stream does not pin the whole history of reads
	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 64*1024 && len(d.buf) < cap(d.buf)/4 {
		d.buf = append([]byte(nil), d.buf...)
	}

	return lines
}

// Flush returns the buffered partial line, if any, and resets the decoder
func (d *LineDecoder) Flush() (string, bool) {
	if len(d.buf) == 0 {
		return "", false
	}
	line := string(bytes.TrimSuffix(d.buf, []byte{'\r'}))
	d.buf = nil
	return line, true
}

// Pending returns the number of buffered bytes not yet terminated by a newline
func (d *LineDecoder) Pending() int {
	return len(d.buf)
}

// PayloadOf extracts the payload of a line matching prefix
func PayloadOf(line, prefix string) ([]byte, bool) {
	if len(line) < len(prefix) || line[:len(prefix)] != prefix {
		return nil, false
	}
	return bytes.TrimSpace([]byte(line[len(prefix):])), true
}

// ChunkDecoder turns the payload of one data line into normalized events.
// Vendor decoders log and skip malformed payloads instead of failing.
type ChunkDecoder interface {
	// Decode handles one payload. Returning ErrStopStream ends the stream after the
	// returned events are delivered.
	Decode(payload []byte) ([]Event, error)

	// Finish is called once when input ends and returns any trailing events
	Finish() []Event
}

// DataStream is a pull-based Stream over a line-oriented event body. Each Recv reads
// only as much input as needed to produce the next event.
type DataStream struct {
	body    io.ReadCloser
	decoder ChunkDecoder
	prefix  string

	dec    LineDecoder
	chunk  []byte
	queue  []Event
	ended  bool
	closed bool
	once   sync.Once
}

// NewDataStream wraps a response body. The body is closed when the stream ends or on Close.
func NewDataStream(body io.ReadCloser, decoder ChunkDecoder) *DataStream {
	return &DataStream{
		body:    body,
		decoder: decoder,
		prefix:  DataPrefix,
		chunk:   make([]byte, 4096),
	}
}

// Recv returns the next event, or io.EOF when the stream is exhausted
func (s *DataStream) Recv() (Event, error) {
	for len(s.queue) == 0 {
		if s.closed {
			return Event{}, ErrStreamClosed
		}
		if s.ended {
			return Event{}, io.EOF
		}
		if err := s.fill(); err != nil {
			s.ended = true
			s.queue = nil
			_ = s.closeBody()
			return Event{}, err
		}
	}

	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, nil
}

// Close releases the body. Further Recv calls return ErrStreamClosed.
func (s *DataStream) Close() error {
	s.closed = true
	return s.closeBody()
}

func (s *DataStream) fill() error {
	n, readErr := s.body.Read(s.chunk)
	if n > 0 {
		for _, line := range s.dec.Feed(s.chunk[:n]) {
			if stop, err := s.deliver(line); err != nil || stop {
				return err
			}
		}
	}

	if readErr == nil {
		return nil
	}
	if !errors.Is(readErr, io.EOF) {
		return readErr
	}
	if line, ok := s.dec.Flush(); ok {
		if stop, err := s.deliver(line); err != nil || stop {
			return err
		}
	}
	s.end()
	return nil
}

func (s *DataStream) deliver(line string) (bool, error) {
	payload, ok := PayloadOf(line, s.prefix)
	if !ok || len(payload) == 0 {
		return false, nil
	}
	events, err := s.decoder.Decode(payload)
	s.queue = append(s.queue, events...)
	if errors.Is(err, ErrStopStream) {
		s.end()
		return true, nil
	}
	return false, err
}

func (s *DataStream) end() {
	if s.ended {
		return
	}
	s.ended = true
	s.queue = append(s.queue, s.decoder.Finish()...)
	_ = s.closeBody()
}

func (s *DataStream) closeBody() error {
	var err error
	s.once.Do(func() {
		err = s.body.Close()
	})
	return err
}

// SliceStream replays a fixed list of events; useful for fakes and replays
type SliceStream struct {
	Events []Event
	Err    error
	closed bool
}

// Recv returns the next queued event, then Err (or io.EOF)
func (s *SliceStream) Recv() (Event, error) {
	if s.closed {
		return Event{}, ErrStreamClosed
	}
	if len(s.Events) == 0 {
		if s.Err != nil {
			return Event{}, s.Err
		}
		return Event{}, io.EOF
	}
	ev := s.Events[0]
	s.Events = s.Events[1:]
	return ev, nil
}

// Close marks the stream closed
func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}
