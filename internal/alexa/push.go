package alexa

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type pushConn struct {
	conn    *websocket.Conn
	logger  *zap.Logger
	writeMu sync.Mutex

	closeOnce sync.Once
	mu        sync.Mutex
	closing   bool
}

// OpenPush dials the push endpoint with the session cookies and starts the
// receive loop. OnOpen runs before OpenPush returns; OnClose runs exactly once
// when the channel ends for any reason.
func (s *HTTPSession) OpenPush(ctx context.Context, handlers PushHandlers) (PushConn, error) {
	if s.pushURL == "" {
		return nil, fmt.Errorf("no push url configured")
	}

	header := http.Header{}
	for _, c := range s.jar.Cookies(s.baseURL) {
		header.Add("Cookie", c.String())
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.pushURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			s.setLoggedIn(false)
			return nil, fmt.Errorf("failed to open push channel: %w", ErrLoginRequired)
		}
		return nil, fmt.Errorf("failed to open push channel: %w", err)
	}

	pc := &pushConn{
		conn:   conn,
		logger: s.logger.Named("push"),
	}

	if handlers.OnOpen != nil {
		handlers.OnOpen()
	}

	go pc.receive(handlers)

	return pc, nil
}

func (p *pushConn) receive(handlers PushHandlers) {
	defer func() {
		if handlers.OnClose != nil {
			handlers.OnClose()
		}
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.mu.Lock()
			closing := p.closing
			p.mu.Unlock()

			if !closing && handlers.OnError != nil {
				p.logger.Warn("Push channel read failed", zap.Error(err))
				handlers.OnError(err)
			}
			p.conn.Close()
			return
		}

		if handlers.OnMessage != nil {
			handlers.OnMessage(data)
		}
	}
}

// Close ends the channel. The receive loop observes the closed socket and
// runs OnClose.
func (p *pushConn) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closing = true
		p.mu.Unlock()

		p.writeMu.Lock()
		p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		p.writeMu.Unlock()

		err = p.conn.Close()
	})
	return err
}
