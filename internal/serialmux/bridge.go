package serialmux

import (
	"context"
	"strings"
	"sync/atomic"
)

// Bridge line kinds.
const (
	LineAck   = "ack"
	LineError = "error"
	LineLog   = "log"
)

// ClassifyLine sorts a line printed by the radio bridge. The bridge firmware
// logs through ESP-IDF, so errors start with "E (" and delivery
// confirmations mention success.
func ClassifyLine(line string) string {
	l := strings.TrimSpace(line)
	lower := strings.ToLower(l)
	switch {
	case strings.HasPrefix(l, "E ("), strings.Contains(lower, "error"), strings.Contains(lower, "fehler"):
		return LineError
	case strings.Contains(lower, "success"), strings.Contains(lower, "gesendet"):
		return LineAck
	}
	return LineLog
}

// LineHandler receives lines read back from the bridge.
type LineHandler interface {
	HandleLine(kind, line string)
}

// Dispatch subscribes to link and passes every line to h until ctx is done
// or the link closes.
func Dispatch(ctx context.Context, link SerialMuxInterface, h LineHandler) {
	id, lines := link.Subscribe()
	defer link.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			h.HandleLine(ClassifyLine(line), line)
		}
	}
}

// BridgeStats counts bridge lines by kind and logs errors.
type BridgeStats struct {
	Acks   atomic.Int64
	Errors atomic.Int64
	Logs   atomic.Int64
}

func (b *BridgeStats) HandleLine(kind, line string) {
	switch kind {
	case LineAck:
		b.Acks.Add(1)
	case LineError:
		b.Errors.Add(1)
		logf("bridge reported: %s", strings.TrimSpace(line))
	default:
		b.Logs.Add(1)
	}
}
