package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/humandao-org/EnergyContracts/core/escrow"
	"github.com/humandao-org/EnergyContracts/models"
)

const (
	streamBuffer   = 64
	streamWriteTTL = 10 * time.Second
	historyDefault = 100
)

// EventsHandler serves committed escrow events, both as recent history and
// as a live websocket stream.
type EventsHandler struct {
	*BaseHandler
	bus      *escrow.Bus
	upgrader websocket.Upgrader
}

// NewEventsHandler creates a new events handler. checkOrigin may be nil to
// accept any origin.
func NewEventsHandler(logger *slog.Logger, bus *escrow.Bus, checkOrigin func(*http.Request) bool) *EventsHandler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &EventsHandler{
		BaseHandler: NewBaseHandler(logger),
		bus:         bus,
		upgrader:    websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

// HandleHistory returns recent events, oldest first.
// @Summary Recent events
// @Tags Events
// @Produce  json
// @Param limit query int false "Maximum events" default(100)
// @Success 200 {object} models.APIResponse
// @Router /api/events [get]
func (h *EventsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", historyDefault)
	if err != nil {
		h.sendFailure(w, r, err)
		return
	}
	events := h.bus.History(limit)
	views := make([]models.EventView, len(events))
	for i, e := range events {
		views[i] = models.NewEventView(e)
	}
	h.sendSuccess(w, views)
}

// HandleStream upgrades to a websocket and pushes every event committed
// after the connection opened. A client that falls behind by more than
// the stream buffer loses the overflow.
// @Summary Live event stream
// @Tags Events
// @Router /api/events/ws [get]
func (h *EventsHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so nothing committed after
	// the client sees the upgrade is missed.
	events := make(chan escrow.Event, streamBuffer)
	cancel := h.bus.Subscribe(func(e escrow.Event) {
		select {
		case events <- e:
		default:
			h.logger.Warn("event stream overflow", "type", e.Type, "remote", r.RemoteAddr)
		}
	})
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("websocket read", "error", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTTL))
			if err := conn.WriteJSON(models.NewEventView(e)); err != nil {
				h.logger.Debug("websocket write", "error", err)
				return
			}
		}
	}
}
