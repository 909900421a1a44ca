package backend

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/arzzra/agent_phone/pkg/connection"
	"github.com/arzzra/agent_phone/pkg/guard"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 5 * time.Second
	// wsPongTimeout — сколько молчания терпим до обрыва соединения.
	wsPongTimeout  = 30 * time.Second
	wsPingInterval = 10 * time.Second
)

// WSOptions параметры push-клиента.
type WSOptions struct {
	Session    *guard.SessionContext
	URL        string
	Token      string
	Dispatcher *Dispatcher
	// Backoff темп переподключений; нулевое значение — DefaultBackoff.
	Backoff connection.Backoff
	// OnConnect вызывается после каждого успешного (пере)подключения.
	OnConnect func()
	// OnDown вызывается при потере соединения (до начала переподключений).
	OnDown func(error)
}

// WSClient push-клиент бэкенда с автопереподключением.
type WSClient struct {
	sess *guard.SessionContext
	url  string
	tok  string
	disp *Dispatcher
	bo   connection.Backoff

	onConnect func()
	onDown    func(error)

	mu   sync.Mutex
	conn *websocket.Conn

	stop     chan struct{}
	stopOnce sync.Once
}

// NewWSClient создает клиент. Подключение — Start.
func NewWSClient(opts WSOptions) *WSClient {
	bo := opts.Backoff
	if bo == (connection.Backoff{}) {
		bo = connection.DefaultBackoff()
	}
	return &WSClient{
		sess:      opts.Session,
		url:       opts.URL,
		tok:       opts.Token,
		disp:      opts.Dispatcher,
		bo:        bo,
		onConnect: opts.OnConnect,
		onDown:    opts.OnDown,
		stop:      make(chan struct{}),
	}
}

// Start запускает цикл подключения в фоне.
func (c *WSClient) Start() {
	go c.run()
}

// Close рвет соединение и останавливает переподключения.
func (c *WSClient) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// Send отправляет сообщение бэкенду.
func (c *WSClient) Send(msg Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("backend: websocket not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal push message")
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return errors.Wrap(conn.WriteMessage(websocket.TextMessage, data), "write push message")
}

// run — подключение, чтение до обрыва, переподключение с backoff.
// Завершается по Close или logout.
func (c *WSClient) run() {
	retry := 0
	for {
		select {
		case <-c.stop:
			return
		case <-c.sess.Context().Done():
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			delay := c.bo.DelayWithJitter(retry)
			retry++
			slog.Warn("backend: websocket connect failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
				slog.Int("attempt", retry))
			select {
			case <-c.stop:
				return
			case <-c.sess.Context().Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		retry = 0
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		slog.Info("backend: websocket connected", slog.String("url", c.url))
		if c.onConnect != nil {
			c.onConnect()
		}

		err = c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		select {
		case <-c.stop:
			return
		case <-c.sess.Context().Done():
			return
		default:
		}
		slog.Warn("backend: websocket connection lost", slog.String("error", err.Error()))
		if c.onDown != nil {
			c.onDown(err)
		}
	}
}

func (c *WSClient) dial() (*websocket.Conn, error) {
	headers := http.Header{}
	if c.tok != "" {
		headers.Set("Authorization", "Bearer "+c.tok)
	}
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.Dial(c.url, headers)
	return conn, errors.Wrap(err, "dial websocket")
}

func (c *WSClient) readLoop(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingStop:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read push message")
		}
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Error("backend: malformed push message",
				slog.String("error", err.Error()),
				slog.String("data", string(data)))
			continue
		}
		if c.disp != nil {
			c.disp.Dispatch(msg)
		}
	}
}
