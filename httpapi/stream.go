package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"sentinelcore/store"
)

const (
	streamPollInterval = 500 * time.Millisecond
	streamWriteTimeout = 10 * time.Second
)

// streamAudit upgrades GET /audit/stream to a WebSocket and tails newly
// committed AuditEvent rows for operators. Purely observational: no
// append-path invariant depends on a client being connected, so a slow
// or absent reader never blocks an append.
func (h *handlers) streamAudit(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	var lastSeq int64
	shard := r.URL.Query().Get("shard")
	if shard == "" {
		shard = "default"
	}

	var tail store.AuditTail
	if err := h.deps.db().Where("shard = ?", shard).First(&tail).Error; err == nil {
		lastSeq = tail.Seq
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var events []store.AuditEvent
			if err := h.deps.db().Where("shard = ? AND seq > ?", shard, lastSeq).
				Order("seq ASC").Find(&events).Error; err != nil {
				continue
			}
			for _, ev := range events {
				if err := writeAuditEvent(ctx, conn, ev); err != nil {
					return
				}
				lastSeq = ev.Seq
			}
		}
	}
}

func writeAuditEvent(ctx context.Context, conn *websocket.Conn, ev store.AuditEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
