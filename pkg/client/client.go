package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/volute/volute/pkg/types"
)

// MessageRequest is the body of POST /message on the mind child API.
type MessageRequest struct {
	Content          []types.ContentPart `json:"content"`
	Channel          string              `json:"channel"`
	Sender           string              `json:"sender,omitempty"`
	Session          string              `json:"session,omitempty"`
	IsDM             bool                `json:"isDM,omitempty"`
	ChannelName      string              `json:"channelName,omitempty"`
	ServerName       string              `json:"serverName,omitempty"`
	ParticipantCount int                 `json:"participantCount,omitempty"`
	AutoReply        bool                `json:"autoReply,omitempty"`
	Typing           bool                `json:"typing,omitempty"`
}

// StreamEvent is one parsed NDJSON line from the child's response stream.
type StreamEvent struct {
	Type    string          `json:"type"` // text|image|tool_use|tool_result|meta|done
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client talks to mind child processes on their local ports. Each port gets
// its own circuit breaker so one wedged mind cannot burn timeouts for the
// whole daemon.
type Client struct {
	http *http.Client

	mu       sync.Mutex
	breakers map[int]*gobreaker.CircuitBreaker
}

// New creates a client. The HTTP timeout covers connection and headers; the
// NDJSON stream itself may stay open much longer and is bounded by the
// caller's context.
func New() *Client {
	return &Client{
		http: &http.Client{
			Timeout: 0, // streaming responses; deadlines come from ctx
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   4,
				ResponseHeaderTimeout: 15 * time.Second,
			},
		},
		breakers: make(map[int]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(port int) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[port]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("mind:%d", port),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	c.breakers[port] = cb
	return cb
}

// Stream is an open NDJSON response from the child.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next returns the next event, or io.EOF once the stream ends.
func (s *Stream) Next() (*StreamEvent, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt StreamEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, fmt.Errorf("malformed stream event: %w", err)
		}
		return &evt, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Drain consumes the stream until the done event (or EOF) and closes it.
func (s *Stream) Drain() error {
	defer s.Close()
	for {
		evt, err := s.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if evt.Type == "done" {
			return nil
		}
	}
}

// Close releases the underlying response body.
func (s *Stream) Close() error {
	return s.body.Close()
}

// PostMessage posts a message to the mind listening on port and returns the
// open event stream. The caller owns the stream and must Drain or Close it.
func (c *Client) PostMessage(ctx context.Context, port int, req *MessageRequest) (*Stream, error) {
	res, err := c.breaker(port).Execute(func() (interface{}, error) {
		body, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("http://127.0.0.1:%d/message", port), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("mind on port %d unreachable: %w", port, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return nil, fmt.Errorf("mind on port %d returned HTTP %d", port, resp.StatusCode)
		}

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
		return &Stream{body: resp.Body, scanner: sc}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Stream), nil
}

// PostAndDrain posts a message and synchronously consumes the whole
// response stream. Used for system bootstrap/sleep messages where the
// daemon itself is the consumer.
func (c *Client) PostAndDrain(ctx context.Context, port int, req *MessageRequest) error {
	stream, err := c.PostMessage(ctx, port, req)
	if err != nil {
		return err
	}
	return stream.Drain()
}

// PostTyping forwards a typing-indicator report to the child.
func (c *Client) PostTyping(ctx context.Context, port int, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://127.0.0.1:%d/typing", port), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mind on port %d unreachable: %w", port, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("mind on port %d returned HTTP %d", port, resp.StatusCode)
	}
	return nil
}

// Health probes GET /health on port. Any 2xx is healthy.
func (c *Client) Health(ctx context.Context, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/health", port), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health returned HTTP %d", resp.StatusCode)
	}
	return nil
}
