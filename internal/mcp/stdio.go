package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// StdioTransport carries JSON-RPC over a length-framed byte stream: each
// message is preceded by a "Content-Length: N" header and a blank line, then
// N bytes of JSON. EOF on the input ends the session cleanly.
type StdioTransport struct {
	server *Server
	in     *bufio.Reader
	out    io.Writer

	writeMu sync.Mutex
}

// NewStdioTransport wraps a server with the framed stream transport.
func NewStdioTransport(server *Server, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{
		server: server,
		in:     bufio.NewReaderSize(in, 1024*1024),
		out:    out,
	}
}

// Run reads frames until EOF or cancellation, dispatching each through the
// shared core and writing framed responses back.
func (t *StdioTransport) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, err := ReadFrame(t.in)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stdio transport: %w", err)
		}

		resp := t.server.HandleMessage(ctx, payload)
		if resp == nil {
			continue
		}
		if err := t.writeResponse(resp); err != nil {
			return fmt.Errorf("stdio transport: %w", err)
		}
	}
}

func (t *StdioTransport) writeResponse(resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return WriteFrame(t.out, data)
}

// ReadFrame reads one Content-Length framed message. Returns io.EOF when the
// stream ends cleanly before a new header.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	contentLength := -1

	for {
		line, err := r.ReadString('\n')
		if err == io.EOF && line == "" && contentLength < 0 {
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			break
		}

		if v, ok := strings.CutPrefix(trimmed, "Content-Length:"); ok {
			n, convErr := strconv.Atoi(strings.TrimSpace(v))
			if convErr != nil {
				return nil, fmt.Errorf("invalid Content-Length header: %q", trimmed)
			}
			contentLength = n
		}
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes one Content-Length framed message and flushes it.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
