package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	messageBufferSize = 16
)

// clientWriter serializes all writes to one WebSocket connection through a
// single goroutine. gorilla/websocket permits only one concurrent writer.
type clientWriter struct {
	connection  *websocket.Conn
	clock       clockwork.Clock
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	// onWriteError is invoked at most once, from the writer goroutine,
	// when a write to the socket fails.
	onWriteError func()
}

func newClientWriter(connection *websocket.Conn, clock clockwork.Clock, onWriteError func()) *clientWriter {
	cw := &clientWriter{
		connection:   connection,
		clock:        clock,
		sendChannel:  make(chan []byte, messageBufferSize),
		doneChannel:  make(chan struct{}),
		onWriteError: onWriteError,
	}
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg, ok := <-cw.sendChannel:
			if !ok {
				return
			}
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				if cw.onWriteError != nil {
					cw.onWriteError()
				}
				return
			}
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				if cw.onWriteError != nil {
					cw.onWriteError()
				}
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// enqueue hands a message to the writer goroutine without blocking.
// Returns false if the connection buffer is full or the writer has stopped.
func (cw *clientWriter) enqueue(msg []byte) bool {
	select {
	case <-cw.doneChannel:
		return false
	default:
	}

	select {
	case cw.sendChannel <- msg:
		return true
	default:
		return false
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a WebSocket close frame with reason before closing.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		// Signal the run goroutine to exit first, then wait for it, so the
		// close frame is not written concurrently with a payload frame.
		close(cw.doneChannel)
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		cw.updateWriteDeadline()
		_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.connection.Close()
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	deadline := cw.clock.Now().Add(writeDeadline)
	_ = cw.connection.SetWriteDeadline(deadline)
}
