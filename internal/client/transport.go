package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// TransportHandlers receive the progress of one dial. Handlers are called
// from the transport's goroutine, never from Dial itself.
type TransportHandlers struct {
	OnOpen    func()
	OnMessage func(raw []byte)
	OnError   func(err error)
}

// Stream is an open or opening transport connection.
type Stream interface {
	Close() error
}

// Transport opens outbound event streams.
type Transport interface {
	Dial(url string, h TransportHandlers) Stream
}

// SSETransport reads Server-Sent Events over HTTP.
type SSETransport struct {
	client *http.Client
}

// NewSSETransport creates a transport using client. A nil client uses a
// client without timeout, since streams are long lived.
func NewSSETransport(client *http.Client) *SSETransport {
	if client == nil {
		client = &http.Client{}
	}
	return &SSETransport{client: client}
}

type sseStream struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (s *sseStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Dial starts reading url in the background.
func (t *SSETransport) Dial(url string, h TransportHandlers) Stream {
	ctx, cancel := context.WithCancel(context.Background())
	go t.run(ctx, url, h)
	return &sseStream{cancel: cancel}
}

func (t *SSETransport) run(ctx context.Context, url string, h TransportHandlers) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		h.OnError(fmt.Errorf("failed to create request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			h.OnError(fmt.Errorf("stream request failed: %w", err))
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.OnError(fmt.Errorf("stream request failed with status %d", resp.StatusCode))
		return
	}
	h.OnOpen()

	err = readEvents(resp.Body, h.OnMessage)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = errors.New("stream closed by server")
	}
	h.OnError(err)
}

// readEvents splits an event stream into the data of each event. Multiple
// data lines of one event are joined with newlines.
func readEvents(r io.Reader, onEvent func([]byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			if data.Len() > 0 {
				onEvent(append([]byte(nil), data.Bytes()...))
				data.Reset()
			}
			continue
		}
		value, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			// Comments, ids and event names are not used.
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if data.Len() > 0 {
			data.WriteByte('\n')
		}
		data.Write(value)
	}
	return scanner.Err()
}
