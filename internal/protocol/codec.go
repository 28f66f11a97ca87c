package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrameSize bounds a single line on the wire.
const DefaultMaxFrameSize = 16 << 20 // 16 MB

// ErrFrameTooLarge is returned by Decoder.Next for an oversized line.
// The line has been consumed; the stream stays usable.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Encoder writes one JSON value per line. Safe for concurrent use: each
// frame is written atomically, so pipelined responses never interleave.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it followed by a newline.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited frames. Not safe for concurrent use.
type Decoder struct {
	r   *bufio.Reader
	max int
}

// NewDecoder creates a Decoder. maxFrame <= 0 selects DefaultMaxFrameSize.
func NewDecoder(r io.Reader, maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), max: maxFrame}
}

// Next returns the next non-blank line without its terminator.
// The returned slice is owned by the caller.
func (d *Decoder) Next() ([]byte, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	tooLarge := false
	for {
		chunk, err := d.r.ReadSlice('\n')
		if !tooLarge {
			if len(buf)+len(chunk) > d.max+1 {
				tooLarge = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case err == nil:
			if tooLarge {
				return nil, ErrFrameTooLarge
			}
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0 && !tooLarge:
			return buf, nil
		default:
			return nil, err
		}
	}
}
