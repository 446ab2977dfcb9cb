package httpserver

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nozzlecam/camproxy/internal/media"
)

// wsConsumer adapts a *websocket.Conn to router.WebSocketConsumer. Writes are
// serialized with a per-client lock, matching spec.md §5's "each client has
// a send lock so concurrent broadcasts serialize per client but parallelize
// across clients."
type wsConsumer struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConsumer(conn *websocket.Conn) *wsConsumer {
	return &wsConsumer{id: uuid.NewString(), conn: conn}
}

func (c *wsConsumer) ID() string { return c.id }

func (c *wsConsumer) SendAnnexB(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// flvConsumer adapts an http.ResponseWriter+Flusher pair to
// router.FLVConsumer.
type flvConsumer struct {
	id      string
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func newFLVConsumer(w http.ResponseWriter, flusher http.Flusher) *flvConsumer {
	return &flvConsumer{id: uuid.NewString(), w: w, flusher: flusher}
}

func (c *flvConsumer) ID() string { return c.id }

func (c *flvConsumer) SendBytes(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// mjpegConsumer adapts an http.ResponseWriter+Flusher pair to
// router.MJPEGConsumer, writing each frame as one multipart body part.
type mjpegConsumer struct {
	id       string
	w        http.ResponseWriter
	flusher  http.Flusher
	boundary string
	mu       sync.Mutex
}

func newMJPEGConsumer(w http.ResponseWriter, flusher http.Flusher, boundary string) *mjpegConsumer {
	return &mjpegConsumer{id: uuid.NewString(), w: w, flusher: flusher, boundary: boundary}
}

func (c *mjpegConsumer) ID() string { return c.id }

func (c *mjpegConsumer) SendJPEG(frame media.JPEGFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	header := fmt.Sprintf("\r\n--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
		c.boundary, len(frame.Payload))
	if _, err := c.w.Write([]byte(header)); err != nil {
		return err
	}
	if _, err := c.w.Write(frame.Payload); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}
