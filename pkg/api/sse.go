package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/simonstaton/claudeswarm/pkg/agent"
	"github.com/simonstaton/claudeswarm/pkg/events"
)

// keepAliveInterval paces SSE comment pings so idle streams survive proxies.
const keepAliveInterval = 15 * time.Second

// frame is one queued SSE message.
type frame struct {
	index int
	event events.Event
}

// sseQueue decouples hub delivery (which must never block) from the HTTP
// write loop. Frames are queued in order; the writer drains on its own pace.
type sseQueue struct {
	mu      sync.Mutex
	pending []frame
	notify  chan struct{}
}

func newSSEQueue() *sseQueue {
	return &sseQueue{notify: make(chan struct{}, 1)}
}

func (q *sseQueue) push(f frame) {
	q.mu.Lock()
	q.pending = append(q.pending, f)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *sseQueue) drain() []frame {
	q.mu.Lock()
	out := q.pending
	q.pending = nil
	q.mu.Unlock()
	return out
}

// streamEvents serves an agent's event stream as SSE, replaying from
// afterIndex before going live. When closeOnDone is true a done event ends
// the stream (the initial create/message streams). The /events reconnection
// endpoint passes false, so no done event, replayed or live, ever cuts it;
// only destroyed does.
func (s *Server) streamEvents(c *gin.Context, sub agent.Subscription, afterIndex int, closeOnDone bool) {
	queue := newSSEQueue()

	unsubscribe := sub(func(idx int, ev events.Event) {
		queue.push(frame{index: idx, event: ev})
	}, afterIndex)
	if unsubscribe == nil {
		// Agent destroyed between the existence check and the subscribe.
		unsubscribe = func() {}
	}
	defer unsubscribe()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ping := time.NewTicker(keepAliveInterval)
	defer ping.Stop()

	ctx := c.Request.Context()
	for {
		for _, f := range queue.drain() {
			if err := writeFrame(c, f); err != nil {
				return
			}
			switch f.event.Type() {
			case events.TypeDestroyed:
				return
			case events.TypeDone:
				if closeOnDone {
					return
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-queue.notify:
		case <-ping.C:
			if _, err := fmt.Fprint(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func writeFrame(c *gin.Context, f frame) error {
	if f.index >= 0 {
		if _, err := fmt.Fprintf(c.Writer, "id: %d\n", f.index); err != nil {
			return err
		}
	}
	if t := f.event.Type(); t != "" {
		if _, err := fmt.Fprintf(c.Writer, "event: %s\n", t); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", f.event.JSON()); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}
