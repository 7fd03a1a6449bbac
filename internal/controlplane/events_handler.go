package controlplane

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gin-gonic/gin"
	"github.com/openmined/syncq/internal/syncq"
)

const (
	eventBuffer    = 256
	wsWriteTimeout = 20 * time.Second
	eventReady     = "ready"
)

type EventsHandler struct {
	engine *syncq.Engine
}

func NewEventsHandler(engine *syncq.Engine) *EventsHandler {
	return &EventsHandler{engine: engine}
}

// topicFilter parses ?topic=a&topic=b or ?topics=a,b. An empty filter passes everything.
func topicFilter(c *gin.Context) mapset.Set[string] {
	topics := mapset.NewThreadUnsafeSet[string]()
	for _, t := range c.QueryArray("topic") {
		topics.Add(t)
	}
	for _, t := range strings.Split(c.Query("topics"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics.Add(t)
		}
	}
	return topics
}

func readyEvent(state syncq.SyncState) syncq.Event {
	return syncq.Event{Topic: eventReady, Time: time.Now(), Payload: state}
}

// Stream serves engine events as server-sent events. The first event is "ready" and
// carries the current state.
func (h *EventsHandler) Stream(c *gin.Context) {
	filter := topicFilter(c)
	sub := h.engine.Events().SubscribeAll(eventBuffer)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.SSEvent(eventReady, readyEvent(h.engine.State()))
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.C():
			if !ok {
				return false
			}
			if filter.Cardinality() > 0 && !filter.Contains(ev.Topic) {
				return true
			}
			c.SSEvent(ev.Topic, ev)
			return true
		}
	})

	if n := sub.Dropped(); n > 0 {
		slog.Warn("event stream dropped events", "dropped", n)
	}
}

// Websocket serves the same events as JSON messages over a websocket. Messages from
// the client are ignored.
func (h *EventsHandler) Websocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("events websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()

	filter := topicFilter(c)
	sub := h.engine.Events().SubscribeAll(eventBuffer)
	defer sub.Close()

	// CloseRead discards client frames and cancels ctx once the peer goes away
	ctx := conn.CloseRead(c.Request.Context())

	write := func(ev syncq.Event) error {
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, ev)
	}

	if err := write(readyEvent(h.engine.State())); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutdown")
				return
			}
			if filter.Cardinality() > 0 && !filter.Contains(ev.Topic) {
				continue
			}
			if err := write(ev); err != nil {
				if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
					slog.Warn("events websocket write", "error", err)
				}
				return
			}
		}
	}
}
