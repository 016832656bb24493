package mcp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SSETransport is the session-scoped event-stream transport. A client opens
// a long-lived event stream; the first event carries the URL it must POST
// every subsequent JSON-RPC message to, bearing an opaque session id.
// Responses stream back as events on the original connection.
type SSETransport struct {
	server *Server

	mu       sync.Mutex
	sessions map[string]chan string
}

// NewSSETransport wraps a server with the event-stream transport.
func NewSSETransport(server *Server) *SSETransport {
	return &SSETransport{
		server:   server,
		sessions: make(map[string]chan string),
	}
}

// Register mounts the transport's routes on a gin router.
func (t *SSETransport) Register(router gin.IRouter) {
	router.GET("/mcp/sse", t.handleSSE)
	router.POST("/mcp/messages", t.handleMessage)
}

func (t *SSETransport) addSession(id string) chan string {
	ch := make(chan string, 32)
	t.mu.Lock()
	t.sessions[id] = ch
	t.mu.Unlock()
	return ch
}

// removeSession is the scoped deinit: it runs on every exit path of the
// stream handler (clean close, error, client disconnect), so a dead session
// can never linger in the map.
func (t *SSETransport) removeSession(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
	t.server.log.Debug("sse session cleaned up", "session_id", id)
}

func (t *SSETransport) lookupSession(id string) (chan string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.sessions[id]
	return ch, ok
}

// handleSSE establishes the event stream and publishes the session URL.
func (t *SSETransport) handleSSE(c *gin.Context) {
	sessionID := uuid.New().String()
	ch := t.addSession(sessionID)
	defer t.removeSession(sessionID)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// First event: where to POST messages for this session.
	endpoint := fmt.Sprintf("/mcp/messages?sessionId=%s", sessionID)
	c.SSEvent("endpoint", endpoint)
	c.Writer.Flush()

	t.server.log.Debug("sse session opened", "session_id", sessionID)

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case msg, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("message", msg)
			return true
		}
	})
}

// handleMessage receives a JSON-RPC message POSTed against a session URL,
// dispatches it through the shared core, and streams the response back on
// the session's event stream.
func (t *SSETransport) handleMessage(c *gin.Context) {
	sessionID := c.Query("sessionId")
	ch, ok := t.lookupSession(sessionID)
	if !ok {
		c.String(http.StatusNotFound, "Session not found")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "Failed to read body")
		return
	}

	resp := t.server.HandleMessage(c.Request.Context(), body)
	if resp == nil {
		// Notification: accepted, nothing to stream.
		c.String(http.StatusAccepted, "ok")
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		c.String(http.StatusInternalServerError, "Internal error")
		return
	}

	select {
	case ch <- string(data):
		c.String(http.StatusAccepted, "ok")
	default:
		c.String(http.StatusGone, "Event stream closed")
	}
}
