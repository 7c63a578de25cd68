package maildir

import (
	"bufio"
	"fmt"
	"io"

	"github.com/emersion/go-message/textproto"
)

// Message is a parsed mail message: the ordered header block and the raw
// body bytes. The body is never interpreted or rewritten here; MIME
// decoding is the reader's business.
type Message struct {
	Header textproto.Header
	Body   []byte
}

// ReadMessage parses a complete message from r. Header fields keep their
// original order and raw bytes, so a message that is read and written
// back comes out identical.
func ReadMessage(r io.Reader) (*Message, error) {
	br := bufio.NewReader(r)
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Message{Header: hdr, Body: body}, nil
}

// WriteTo serializes the message to w. Fields that were parsed from the
// wire are written back byte for byte; fields added later are formatted
// on top of them.
func (m *Message) WriteTo(w io.Writer) error {
	if err := textproto.WriteHeader(w, m.Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(m.Body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// Clone returns a message whose header can be modified without touching
// the original. The body bytes are shared; callers must not mutate them.
func (m *Message) Clone() *Message {
	return &Message{Header: m.Header.Copy(), Body: m.Body}
}
