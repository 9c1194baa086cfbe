package api

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/mesh"
	"github.com/ZentaChain/zentalk-mesh/pkg/noise"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// NodeInfoResponse describes the local node
type NodeInfoResponse struct {
	ID          string        `json:"id"`
	Fingerprint string        `json:"fingerprint"`
	Uptime      time.Duration `json:"uptime"`
}

// InboxMessage is a received message as served by the API
type InboxMessage struct {
	From      string    `json:"from"`
	Type      string    `json:"type"`
	Data      string    `json:"data"` // base64
	Timestamp time.Time `json:"timestamp"`
	Private   bool      `json:"private"`
	Verified  bool      `json:"verified"`
}

func newInboxMessage(msg mesh.Message) InboxMessage {
	return InboxMessage{
		From:      hex.EncodeToString(msg.From),
		Type:      msg.Type.String(),
		Data:      base64.StdEncoding.EncodeToString(msg.Payload),
		Timestamp: msg.Timestamp,
		Private:   msg.Private,
		Verified:  msg.Verified,
	}
}

// SendRequest is the body of the send endpoints. Data is base64.
type SendRequest struct {
	PeerID string `json:"peer_id"`
	Type   string `json:"type,omitempty"`
	Data   string `json:"data"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"id":     s.node.IDString(),
	})
}

// handleNodeInfo handles GET /api/v1/node/info
func (s *Server) handleNodeInfo(c *gin.Context) {
	c.JSON(http.StatusOK, NodeInfoResponse{
		ID:          s.node.IDString(),
		Fingerprint: s.node.Fingerprint(),
		Uptime:      time.Since(s.startedAt),
	})
}

// handleNodeStats handles GET /api/v1/node/stats
func (s *Server) handleNodeStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Stats())
}

// handlePeers handles GET /api/v1/network/peers
func (s *Server) handlePeers(c *gin.Context) {
	peers := s.node.Peers()
	c.JSON(http.StatusOK, gin.H{
		"count": len(peers),
		"peers": peers,
	})
}

// handleSessions handles GET /api/v1/network/sessions
func (s *Server) handleSessions(c *gin.Context) {
	sessions := s.node.Sessions()
	if sessions == nil {
		sessions = []noise.SessionInfo{}
	}
	c.JSON(http.StatusOK, gin.H{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

// handleInbox handles GET /api/v1/messages
func (s *Server) handleInbox(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": s.inboxSnapshot()})
}

// handleBroadcast handles POST /api/v1/messages/broadcast
func (s *Server) handleBroadcast(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		badRequest(c, "Invalid data", err)
		return
	}

	if err := s.node.Broadcast(c.Request.Context(), data); err != nil {
		s.sendFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "broadcast sent"})
}

// handlePrivate handles POST /api/v1/messages/private
func (s *Server) handlePrivate(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	peerID, err := mesh.ParsePeerID(req.PeerID)
	if err != nil {
		badRequest(c, "Invalid peer ID", err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		badRequest(c, "Invalid data", err)
		return
	}
	typ, err := parseType(req.Type)
	if err != nil {
		badRequest(c, "Invalid type", err)
		return
	}

	if err := s.node.SendPrivate(c.Request.Context(), peerID, typ, data); err != nil {
		s.sendFailed(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true, Message: "private message queued"})
}

// handleHandshake handles POST /api/v1/messages/handshake
func (s *Server) handleHandshake(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	peerID, err := mesh.ParsePeerID(req.PeerID)
	if err != nil {
		badRequest(c, "Invalid peer ID", err)
		return
	}

	if err := s.node.Handshake(c.Request.Context(), peerID); err != nil {
		s.sendFailed(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true, Message: "handshake started"})
}

func (s *Server) sendFailed(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, noise.ErrSessionExists), errors.Is(err, noise.ErrHandshakeInProgress):
		status = http.StatusConflict
	case errors.Is(err, mesh.ErrPendingFull):
		status = http.StatusServiceUnavailable
	case errors.Is(err, mesh.ErrInvalidPeerID), errors.Is(err, mesh.ErrNotDeliverable):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Warn("send failed", zap.Error(err))
	}
	c.JSON(status, ErrorResponse{Error: "Send failed", Message: err.Error()})
}

func badRequest(c *gin.Context, msg string, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Message: err.Error()})
}

var errUnknownType = errors.New("type must be message, request-sync or file-transfer")

func parseType(name string) (protocol.MessageType, error) {
	switch name {
	case "", protocol.MsgTypeMessage.String():
		return protocol.MsgTypeMessage, nil
	case protocol.MsgTypeRequestSync.String():
		return protocol.MsgTypeRequestSync, nil
	case protocol.MsgTypeFileTransfer.String():
		return protocol.MsgTypeFileTransfer, nil
	}
	return 0, errUnknownType
}
