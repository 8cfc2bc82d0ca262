package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/moodjar/emosync/internal/events"
	"github.com/moodjar/emosync/internal/logging"
	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/recordstore"
)

// StatsSource reports cache statistics. *recordstore.Store implements it.
type StatsSource interface {
	Stats(ctx context.Context) recordstore.Stats
}

// NoticeData describes a conflict or rejection.
type NoticeData struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason,omitempty"`
}

// StateData carries an orchestrator state transition.
type StateData struct {
	State string `json:"state"`
}

// StatusData is the /status document.
type StatusData struct {
	State      string                 `json:"state"`
	Stats      recordstore.Stats      `json:"stats"`
	LastResult *model.SyncCycleResult `json:"last_result,omitempty"`
	Clients    int                    `json:"clients"`
}

// Handler turns sync events into dashboard messages and serves /status.
type Handler struct {
	server *Server
	stats  StatsSource
	log    zerolog.Logger

	mu    sync.Mutex
	state string
	last  *model.SyncCycleResult
}

// NewHandler creates a handler broadcasting through server. It registers
// /status and the welcome message on server.
func NewHandler(server *Server, stats StatsSource, log zerolog.Logger) *Handler {
	h := &Handler{
		server: server,
		stats:  stats,
		log:    logging.Component(log, "dashboard"),
		state:  "idle",
	}
	server.Handle("/status", http.HandlerFunc(h.handleStatus))
	server.SetWelcome(h.statsMessage)
	return h
}

// Attach subscribes the handler to bus.
func (h *Handler) Attach(bus *events.Bus) (detach func()) {
	return bus.Handle(h.OnEvent)
}

// OnEvent formats e and broadcasts it.
func (h *Handler) OnEvent(e events.Event) {
	var (
		typ  MessageType
		data any
	)
	switch e.Kind {
	case events.KindSyncCompleted:
		if e.Result == nil {
			return
		}
		res := *e.Result
		h.mu.Lock()
		h.last = &res
		h.mu.Unlock()
		typ, data = MessageTypeSyncCompleted, res

	case events.KindConflictDetected:
		typ, data = MessageTypeConflict, NoticeData{RecordID: e.RecordID, Reason: e.Reason}

	case events.KindRecordRejected:
		typ, data = MessageTypeRejected, NoticeData{RecordID: e.RecordID, Reason: e.Reason}

	case events.KindStateChanged:
		h.mu.Lock()
		h.state = e.State
		h.mu.Unlock()
		typ, data = MessageTypeState, StateData{State: e.State}

	default:
		return
	}

	h.broadcast(typ, e.At, data)

	// A finished cycle changes the per-status counts.
	if e.Kind == events.KindSyncCompleted {
		h.server.Broadcast(h.statsMessage())
	}
}

func (h *Handler) broadcast(typ MessageType, at time.Time, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(typ)).Msg("Failed to marshal dashboard data")
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: at, Data: raw})
}

func (h *Handler) statsMessage() Message {
	msg := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if h.stats == nil {
		return msg
	}
	raw, err := json.Marshal(h.stats.Stats(context.Background()))
	if err != nil {
		return msg
	}
	msg.Data = raw
	return msg
}

// Status returns the current status document.
func (h *Handler) Status(ctx context.Context) StatusData {
	h.mu.Lock()
	st := StatusData{State: h.state, LastResult: h.last}
	h.mu.Unlock()
	if h.stats != nil {
		st.Stats = h.stats.Stats(ctx)
	}
	st.Clients = h.server.ClientCount()
	return st
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Status(r.Context()))
}
