package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hireloop/agentcore/internal/coord"
	"go.uber.org/zap"
)

var sseHeartbeat = 15 * time.Second

// handleActivityStream relays the user's live activity events as
// server-sent events until the client goes away.
func (d *Dependencies) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "streaming unsupported"})
		return
	}

	user := userID(r)
	sub, err := d.Events.Subscribe(r.Context(), coord.EventsChannel(user))
	if err != nil {
		d.writeErr(w, r, "activity stream", err)
		return
	}
	defer func() { _ = sub.Close() }()

	// The server's write timeout would cut the stream; lift it for this response.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	fl.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				d.Logger.Debug("activity stream closed", zap.String("user_id", user))
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			fl.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			fl.Flush()
		}
	}
}
