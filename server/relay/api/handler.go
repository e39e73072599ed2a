package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	commonauth "chat_relay/server/common/auth"
	"chat_relay/server/common/middleware"
	"chat_relay/server/common/transport/httpresp"
	"chat_relay/server/relay/repository"
	relayservice "chat_relay/server/relay/service"
)

type Handler struct {
	users       *repository.UserRepository
	chats       *relayservice.ChatService
	router      *relayservice.Router
	members     *relayservice.MembershipCache
	offline     *relayservice.OfflineQueue
	attachments *relayservice.AttachmentService
	auth        *commonauth.Service
}

func NewHandler(users *repository.UserRepository, chats *relayservice.ChatService, router *relayservice.Router, members *relayservice.MembershipCache, offline *relayservice.OfflineQueue, attachments *relayservice.AttachmentService, auth *commonauth.Service) *Handler {
	return &Handler{users: users, chats: chats, router: router, members: members, offline: offline, attachments: attachments, auth: auth}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws/chat", h.handleChatWS)
	r.POST("/api/v1/auth/register", h.register)
	r.POST("/api/v1/auth/login", h.login)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.POST("/chats", h.createChat)
		api.DELETE("/chats/:id", h.deleteChat)
		api.GET("/chats/:id/members", h.listMembers)
		api.POST("/chats/:id/members", h.addMember)
		api.DELETE("/chats/:id/members/:userId", h.removeMember)
		api.GET("/messages/pending", h.hasPending)
		api.POST("/attachments/presign-upload", h.presignUpload)
		api.POST("/attachments/presign-download", h.presignDownload)
		api.POST("/attachments/finalize", h.finalizeAttachment)
	}
}

func (h *Handler) register(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Name     string `json:"name" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	user, err := h.users.CreateUser(c.Request.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, httpresp.NewIDResponse(user.ID))
}

func (h *Handler) login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	user, err := h.users.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidCredentials))
		return
	}
	token, err := h.auth.GenerateToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewTokenResponse(token, user.ID))
}

func (h *Handler) createChat(c *gin.Context) {
	userID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	var req struct {
		Name      string   `json:"name" binding:"required"`
		MemberIDs []string `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	chat, err := h.chats.CreateChat(c.Request.Context(), req.Name, userID, req.MemberIDs)
	if err != nil {
		if errors.Is(err, relayservice.ErrUserNotFound) {
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrUserNotFound))
			return
		}
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (h *Handler) deleteChat(c *gin.Context) {
	chatID := strings.TrimSpace(c.Param("id"))
	if err := h.chats.DeleteChat(c.Request.Context(), chatID); err != nil {
		if errors.Is(err, relayservice.ErrChatNotFound) {
			c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrChatNotFound))
			return
		}
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func (h *Handler) listMembers(c *gin.Context) {
	chatID := strings.TrimSpace(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{
		"chat_id": chatID,
		"members": h.members.MembersOf(chatID),
		"exists":  h.members.ChatExists(chatID),
	})
}

func (h *Handler) addMember(c *gin.Context) {
	chatID := strings.TrimSpace(c.Param("id"))
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	if err := h.chats.AddMember(c.Request.Context(), chatID, req.UserID); err != nil {
		switch {
		case errors.Is(err, relayservice.ErrUserNotFound):
			c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(httpresp.ErrUserNotFound))
		case errors.Is(err, relayservice.ErrChatNotFound):
			c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrChatNotFound))
		default:
			c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		}
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func (h *Handler) removeMember(c *gin.Context) {
	chatID := strings.TrimSpace(c.Param("id"))
	userID := strings.TrimSpace(c.Param("userId"))
	if err := h.chats.RemoveMember(c.Request.Context(), chatID, userID); err != nil {
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func (h *Handler) hasPending(c *gin.Context) {
	userID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	has, err := h.offline.HasPending(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": has})
}

func (h *Handler) presignUpload(c *gin.Context) {
	if h.attachments == nil {
		c.JSON(http.StatusServiceUnavailable, httpresp.NewErrorResponse(httpresp.ErrObjectStoreOff))
		return
	}
	var req struct {
		ObjectKey string `json:"object_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	u, err := h.attachments.PresignUpload(c.Request.Context(), req.ObjectKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewURLResponse(u))
}

func (h *Handler) presignDownload(c *gin.Context) {
	if h.attachments == nil {
		c.JSON(http.StatusServiceUnavailable, httpresp.NewErrorResponse(httpresp.ErrObjectStoreOff))
		return
	}
	var req struct {
		ObjectKey string `json:"object_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	u, err := h.attachments.PresignDownload(c.Request.Context(), req.ObjectKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, httpresp.NewURLResponse(u))
}

func (h *Handler) finalizeAttachment(c *gin.Context) {
	if h.attachments == nil {
		c.JSON(http.StatusServiceUnavailable, httpresp.NewErrorResponse(httpresp.ErrObjectStoreOff))
		return
	}
	var req struct {
		ObjectKey   string `json:"object_key" binding:"required"`
		ContentType string `json:"content_type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	thumbKey, err := h.attachments.Finalize(c.Request.Context(), req.ObjectKey, req.ContentType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"thumbnail_key": thumbKey})
}

var chatUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

const (
	wsReadDeadline  = 90 * time.Second
	wsWriteDeadline = 5 * time.Second
)

// wsConn adapts a gorilla connection to the router's connection handle.
// Writes are serialized and deadline-bounded so one slow socket cannot
// stall a fan-out.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

type inboundFrame struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	Body   string `json:"body"`
}

func (h *Handler) handleChatWS(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))

	conn, err := chatUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	handle := &wsConn{conn: conn}

	sess, err := h.router.Connect(c.Request.Context(), handle, token)
	if err != nil {
		// the router already closed the connection
		return
	}
	defer h.router.Disconnect(sess)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadDeadline)); err != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in inboundFrame
		if err := json.Unmarshal(raw, &in); err != nil {
			writeWSError(handle, "invalid frame")
			continue
		}
		switch in.Type {
		case "message":
			if strings.TrimSpace(in.ChatID) == "" || in.Body == "" {
				writeWSError(handle, "chat_id and body are required")
				continue
			}
			if _, err := h.router.Route(c.Request.Context(), sess, in.ChatID, in.Body); err != nil {
				writeWSError(handle, err.Error())
			}
		case "ping":
			_ = handle.Send([]byte(`{"type":"pong"}`))
		default:
			writeWSError(handle, "unknown frame type")
		}
	}
}

func writeWSError(handle *wsConn, message string) {
	payload, err := json.Marshal(relayservice.Frame{Type: "error", Error: message})
	if err != nil {
		return
	}
	_ = handle.Send(payload)
}

var errNoActor = errors.New("no authenticated user in request context")

func actorFromContext(c *gin.Context) (string, error) {
	rawUserID, ok := c.Get("auth_user_id")
	if !ok {
		return "", errNoActor
	}
	userID, ok := rawUserID.(string)
	if !ok || strings.TrimSpace(userID) == "" {
		return "", errNoActor
	}
	return userID, nil
}
