package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phuslu/log"

	"github.com/commission-vm/logging"
	"github.com/commission-vm/model"
	"github.com/commission-vm/otp"
)

// Websocket message types.
const (
	MsgPending      = "otp_pending"
	MsgJobStatus    = "job_status"
	MsgSubmitOtp    = "submit_otp"
	MsgSubmitResult = "submit_result"
)

const (
	writeWait    = 5 * time.Second
	submitWait   = 10 * time.Second
	hubQueueSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The console is served from another origin on the operator's machine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the envelope for both directions.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SubmitPayload struct {
	JobID  string `json:"job_id"`
	SiteID string `json:"site_id"`
	OTP    string `json:"otp"`
}

type SubmitResult struct {
	JobID    string `json:"job_id"`
	SiteID   string `json:"site_id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Hub pushes OTP and job events to connected operator consoles and accepts codes back.
// It is both an otp.Notifier and a session.Notifier.
type Hub struct {
	broker OTPBroker
	logger *log.Logger
	queue  chan Message

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
}

func NewHub(broker OTPBroker, logger *log.Logger) *Hub {
	return &Hub{
		broker:  broker,
		logger:  logging.Component(logger, "server"),
		queue:   make(chan Message, hubQueueSize),
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// SetBroker attaches the broker after construction; the broker itself notifies the hub.
func (h *Hub) SetBroker(b OTPBroker) {
	h.broker = b
}

// Run broadcasts queued events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case msg := <-h.queue:
			h.broadcast(msg)
		}
	}
}

// Notify queues a broker event. Events are dropped when the queue is full.
func (h *Hub) Notify(ev otp.Event) {
	h.enqueue(Message{Type: ev.Type, Payload: ev.Request})
}

// JobStatus queues a job status change.
func (h *Hub) JobStatus(job model.Job) {
	h.enqueue(Message{Type: MsgJobStatus, Payload: job})
}

func (h *Hub) enqueue(msg Message) {
	select {
	case h.queue <- msg:
	default:
		h.logger.Warn().Str("type", msg.Type).Msg("hub queue full, dropping event")
	}
}

// Clients returns the number of connected consoles.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}
	lock := &sync.Mutex{}

	h.mu.Lock()
	h.clients[conn] = lock
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", count).Msg("websocket client connected")

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		count := len(h.clients)
		h.mu.Unlock()
		conn.Close()
		h.logger.Debug().Int("clients", count).Msg("websocket client disconnected")
	}()

	pending, err := h.broker.Pending(r.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to list pending OTP requests")
	}
	if pending == nil {
		pending = []model.OtpRequest{}
	}
	if err := h.send(conn, lock, Message{Type: MsgPending, Payload: pending}); err != nil {
		return
	}

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		switch msg.Type {
		case MsgSubmitOtp:
			res := h.submit(r.Context(), msg.Payload)
			if err := h.send(conn, lock, Message{Type: MsgSubmitResult, Payload: res}); err != nil {
				return
			}
		default:
			h.logger.Debug().Str("type", msg.Type).Msg("ignoring websocket message")
		}
	}
}

func (h *Hub) submit(ctx context.Context, raw json.RawMessage) SubmitResult {
	var p SubmitPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SubmitResult{Error: "invalid payload: " + err.Error()}
	}
	res := SubmitResult{JobID: p.JobID, SiteID: p.SiteID}
	if p.JobID == "" || p.SiteID == "" {
		res.Error = "job_id and site_id are required"
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, submitWait)
	defer cancel()
	if err := h.broker.Submit(ctx, p.JobID, p.SiteID, p.OTP); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Accepted = true
	h.logger.Info().Str("job_id", p.JobID).Str("site", p.SiteID).Msg("OTP submitted from console")
	return res
}

func (h *Hub) send(conn *websocket.Conn, lock *sync.Mutex, msg Message) error {
	lock.Lock()
	defer lock.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Warn().Err(err).Str("type", msg.Type).Msg("failed to send to websocket client")
		return err
	}
	return nil
}

func (h *Hub) broadcast(msg Message) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	locks := make([]*sync.Mutex, 0, len(h.clients))
	for conn, lock := range h.clients {
		conns = append(conns, conn)
		locks = append(locks, lock)
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		h.send(conn, locks[i], msg)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, lock := range h.clients {
		lock.Lock()
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		lock.Unlock()
	}
}
