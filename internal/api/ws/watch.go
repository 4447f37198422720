// Package ws serves the WATCH stream: a WebSocket connection that
// relays engine events from the in-process bus to one subscriber,
// narrowed by the filters the client asked for.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkod-io/dkod-engine/internal/bus"
	"github.com/dkod-io/dkod-engine/internal/domain"
)

// EventLagged is the in-stream notice a subscriber receives when it
// fell behind and events were dropped. It is informational: the stream
// continues afterwards.
const EventLagged = "watch.lagged"

// Handler serves watch connections off the event bus.
type Handler struct {
	bus *bus.Bus
}

// NewHandler creates a watch handler over the given bus.
func NewHandler(b *bus.Bus) *Handler {
	return &Handler{bus: b}
}

// ServeWatch upgrades the request to a WebSocket and streams matching
// events as JSON text frames until the client disconnects or the bus
// shuts down. Filters come from the "filters" query parameter as a
// comma-separated list (see bus.Match for the grammar); an event is
// delivered when any filter matches, and no filters means everything.
//
// Each connection owns an independent bus subscription, so a slow
// client drops only its own backlog: the gap is reported in-stream as
// a watch.lagged event and delivery resumes.
func (h *Handler) ServeWatch(w http.ResponseWriter, r *http.Request) {
	filters := parseFilters(r.URL.Query().Get("filters"))

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	// With a single filter the bus does all the narrowing; with
	// several, subscribe wide and narrow here so one subscription
	// keeps per-subscriber ordering intact.
	subFilter := ""
	if len(filters) == 1 {
		subFilter = filters[0]
	}
	sub := h.bus.Subscribe(subFilter)
	defer sub.Close()

	// The stream is write-only; CloseRead keeps control frames flowing
	// and cancels ctx the moment the client goes away, releasing the
	// subscription promptly.
	ctx := conn.CloseRead(r.Context())

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			var lagged *bus.LaggedError
			switch {
			case errors.As(err, &lagged):
				notice := domain.Event{
					Type:    EventLagged,
					Details: lagged.Error(),
				}
				if writeErr := writeEvent(ctx, conn, notice); writeErr != nil {
					log.Debug().Err(writeErr).Msg("websocket write")
					return
				}
				continue
			case errors.Is(err, bus.ErrClosed):
				_ = conn.Close(websocket.StatusGoingAway, "bus closed")
				return
			default:
				// Client went away.
				_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
				return
			}
		}

		if !matchAny(filters, ev.Type) {
			continue
		}
		if writeErr := writeEvent(ctx, conn, ev); writeErr != nil {
			log.Debug().Err(writeErr).Msg("websocket write")
			return
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

// parseFilters splits the comma-separated filter list, dropping empty
// entries. A nil result means "match everything".
func parseFilters(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	filters := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			filters = append(filters, p)
		}
	}
	return filters
}

func matchAny(filters []string, eventType string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if bus.Match(f, eventType) {
			return true
		}
	}
	return false
}
