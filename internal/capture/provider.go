package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Provider message types.
const (
	MsgAck     = "ack"
	MsgInterim = "interim"
	MsgFinal   = "final"
	MsgError   = "error"
)

// Message is one JSON frame received from the transcription provider.
type Message struct {
	Type       string  `json:"type"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Seq        int     `json:"seq,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Stream is an open provider connection.
type Stream interface {
	Send(chunk []byte) error
	Recv() (Message, error)
	Close() error
}

// Dialer opens provider streams.
type Dialer interface {
	Dial(ctx context.Context, tok Token) (Stream, error)
}

// WebsocketDialer opens provider streams over a websocket.
type WebsocketDialer struct {
	URL        string
	SampleRate int
	Dialer     *websocket.Dialer
}

// Dial connects with the given credential. A handshake rejected with 401 or
// 403 yields ErrProviderAuth; any other failure ErrProviderUnavailable.
func (d *WebsocketDialer) Dial(ctx context.Context, tok Token) (Stream, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("capture: stream url: %w", err)
	}
	q := u.Query()
	q.Set("token", tok.Value)
	if d.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(d.SampleRate))
	}
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake returned %d", ErrProviderAuth, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial: %v", ErrProviderUnavailable, err)
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsStream) Send(chunk []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func (s *wsStream) Recv() (Message, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("capture: decode provider message: %w", err)
	}
	return msg, nil
}

func (s *wsStream) Close() error {
	s.writeMu.Lock()
	err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	if cerr := s.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
