package main

import (
	"net/http"
	"time"

	"github.com/Seednode/ultimatum/ultimatum"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Frames coming from clients
type socketRequest struct {
	Type     string `json:"type"`               // "sync", "offer", "respond"
	GameID   string `json:"game_id,omitempty"`  // offer / respond
	Amount   *int   `json:"amount,omitempty"`   // offer
	Accepted *bool  `json:"accepted,omitempty"` // respond
}

// Frames sent to clients, one per request
type socketReply struct {
	Type     string         `json:"type"` // "state", "ack", "error"
	Request  string         `json:"request"`
	State    *stateResponse `json:"state,omitempty"`
	Error    string         `json:"error,omitempty"`
	Category string         `json:"category,omitempty"`
}

type client struct {
	conn     *websocket.Conn
	send     chan socketReply
	playerID string
}

func errorReply(request string, err error) socketReply {
	return socketReply{
		Type:     "error",
		Request:  request,
		Error:    err.Error(),
		Category: ultimatum.CategoryOf(err).String(),
	}
}

func (c *client) handle(cfg *Config, exp *ultimatum.Experiment, req socketRequest) socketReply {
	switch req.Type {
	case "sync":
		st, err := projectState(cfg, exp, c.playerID)
		if err != nil {
			return errorReply(req.Type, err)
		}
		return socketReply{Type: "state", Request: req.Type, State: &st}
	case "offer":
		if req.Amount == nil {
			return errorReply(req.Type, ultimatum.ErrInvalidArgument)
		}
		if err := exp.MakeOffer(c.playerID, req.GameID, *req.Amount); err != nil {
			return errorReply(req.Type, err)
		}
	case "respond":
		if req.Accepted == nil {
			return errorReply(req.Type, ultimatum.ErrInvalidArgument)
		}
		if err := exp.Respond(c.playerID, req.GameID, *req.Accepted); err != nil {
			return errorReply(req.Type, err)
		}
	default:
		return errorReply(req.Type, ultimatum.ErrInvalidArgument)
	}

	return socketReply{Type: "ack", Request: req.Type}
}

func (c *client) readPump(cfg *Config, exp *ultimatum.Experiment) {
	defer close(c.send)

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.playerTimeout))

		var req socketRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}

		c.send <- c.handle(cfg, exp, req)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func serveSocket(cfg *Config, exp *ultimatum.Experiment, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		uid := callerID(r, "")

		if _, err := exp.Role(uid); err != nil {
			writeError(cfg, w, r, err, errs)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			cfg.logger.Warn("SOCKET: Upgrade failed", zap.String("remote", realIP(r)), zap.Error(err))
			return
		}

		logf(cfg, "SOCKET: %s connected from %s", uid, realIP(r))

		c := &client{
			conn:     conn,
			send:     make(chan socketReply, 8),
			playerID: uid,
		}

		go c.writePump()
		c.readPump(cfg, exp)
	}
}
