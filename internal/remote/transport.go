package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteWait bounds a single outbound write.
const DefaultWriteWait = 5 * time.Second

// Transport carries newline-delimited protocol lines in both directions.
//
// ReadLine is called from exactly one goroutine (the receiver). WriteLine is
// not required to be safe for concurrent use: callers serialize writes.
type Transport interface {
	// ReadLine blocks for the next line, without its terminator.
	// Returns io.EOF once the peer has closed the stream.
	ReadLine() ([]byte, error)

	// WriteLine sends one line; the terminator is added by the transport.
	WriteLine(line []byte) error

	// Close releases the connection and unblocks a pending ReadLine.
	Close() error

	// RemoteAddr describes the peer for logs.
	RemoteAddr() string
}

// streamTransport frames lines over a byte stream such as TCP.
type streamTransport struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	addr   string
}

// NewStreamTransport frames newline-delimited lines over conn.
func NewStreamTransport(conn io.ReadWriteCloser) Transport {
	addr := "stream"
	if nc, ok := conn.(net.Conn); ok && nc.RemoteAddr() != nil {
		addr = nc.RemoteAddr().String()
	}
	return &streamTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
		addr:   addr,
	}
}

func (t *streamTransport) ReadLine() ([]byte, error) {
	line, err := t.reader.ReadBytes('\n')
	if err != nil {
		// A final unterminated line is still delivered; EOF follows on the next call.
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return bytes.TrimRight(line, "\r\n"), nil
		}
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (t *streamTransport) WriteLine(line []byte) error {
	if nc, ok := t.conn.(net.Conn); ok {
		_ = nc.SetWriteDeadline(time.Now().Add(DefaultWriteWait))
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := t.conn.Write(buf)
	return err
}

func (t *streamTransport) Close() error {
	return t.conn.Close()
}

func (t *streamTransport) RemoteAddr() string {
	return t.addr
}

// DialTCP connects to a gradsim server over TCP.
func DialTCP(ctx context.Context, addr string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStreamTransport(conn), nil
}

// wsTransport carries one line per websocket text message.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an established websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadLine() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		return bytes.TrimRight(data, "\r\n"), nil
	}
}

func (t *wsTransport) WriteLine(line []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(DefaultWriteWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, line)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// DialWebSocket connects to a gradsim server's websocket endpoint
// (for example "ws://127.0.0.1:7700/ws").
func DialWebSocket(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketTransport(conn), nil
}
