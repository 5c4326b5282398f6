package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/call"
	"call-signaling/internal/calls"
	"call-signaling/internal/ledger"

	"github.com/gin-gonic/gin"
)

// CallService is the call manager as seen by HTTP.
type CallService interface {
	StartCall(ctx context.Context, receiverID string, callType calls.CallType) (call.Snapshot, error)
	Accept(ctx context.Context, callID string) error
	Decline(ctx context.Context, callID string) error
	End(ctx context.Context, callID string) error
	ToggleAudio(ctx context.Context, callID string) (bool, error)
	ToggleVideo(ctx context.Context, callID string) (bool, error)
	SwitchCamera(ctx context.Context, callID string) error
	Get(callID string) (call.Snapshot, error)
	Live() []call.Snapshot
}

// CallReader resolves persisted calls that have no live attempt.
type CallReader interface {
	GetCall(ctx context.Context, callID string) (ledger.CallDetails, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth       *auth.Manager
	Calls      CallService
	Ledger     CallReader
	Events     *EventHub
	SelfUserID string
}

// Register mounts the protected call API on g.
func (h Handlers) Register(g *gin.RouterGroup) {
	g.GET("/calls", h.ListCalls)
	g.POST("/calls", h.StartCall)
	g.GET("/calls/:call_id", h.GetCall)
	g.POST("/calls/:call_id/accept", h.Accept)
	g.POST("/calls/:call_id/decline", h.Decline)
	g.POST("/calls/:call_id/end", h.End)
	g.POST("/calls/:call_id/media/audio", h.ToggleAudio)
	g.POST("/calls/:call_id/media/video", h.ToggleVideo)
	g.POST("/calls/:call_id/media/camera", h.SwitchCamera)
	if h.Events != nil {
		g.GET("/events", h.Events.Serve)
	}
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
}

// Login issues a JWT token pair for the agent's own user.
//
// NOTE: the agent is single-user and bound to localhost; there are no
// credentials to check beyond the user id.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	if req.UserID != h.SelfUserID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "agent serves another user"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Calls ---

type startCallRequest struct {
	ReceiverID string         `json:"receiver_id"`
	CallType   calls.CallType `json:"call_type"`
}

func (h Handlers) StartCall(c *gin.Context) {
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ReceiverID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "receiver_id required"})
		return
	}
	if req.CallType == "" {
		req.CallType = calls.CallTypeAudio
	}
	snap, err := h.Calls.StartCall(c.Request.Context(), req.ReceiverID, req.CallType)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (h Handlers) ListCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": h.Calls.Live()})
}

// GetCall returns the live attempt when there is one, else the persisted record.
func (h Handlers) GetCall(c *gin.Context) {
	id := c.Param("call_id")
	if snap, err := h.Calls.Get(id); err == nil {
		c.JSON(http.StatusOK, gin.H{"live": snap})
		return
	}
	if h.Ledger == nil {
		abortWithError(c, call.ErrNotFound)
		return
	}
	details, err := h.Ledger.GetCall(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	self := h.SelfUserID
	if details.CallerID != self && details.ReceiverID != self {
		// Not a participant: same answer as an unknown id.
		abortWithError(c, calls.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": details})
}

func (h Handlers) Accept(c *gin.Context) {
	h.command(c, h.Calls.Accept)
}

func (h Handlers) Decline(c *gin.Context) {
	h.command(c, h.Calls.Decline)
}

func (h Handlers) End(c *gin.Context) {
	h.command(c, h.Calls.End)
}

func (h Handlers) SwitchCamera(c *gin.Context) {
	h.command(c, h.Calls.SwitchCamera)
}

func (h Handlers) ToggleAudio(c *gin.Context) {
	h.toggle(c, "audio_enabled", h.Calls.ToggleAudio)
}

func (h Handlers) ToggleVideo(c *gin.Context) {
	h.toggle(c, "video_enabled", h.Calls.ToggleVideo)
}

func (h Handlers) command(c *gin.Context, fn func(context.Context, string) error) {
	id := c.Param("call_id")
	if err := fn(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	h.respondSnapshot(c, id)
}

func (h Handlers) toggle(c *gin.Context, field string, fn func(context.Context, string) (bool, error)) {
	on, err := fn(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{field: on})
}

// respondSnapshot reports the attempt after a command. An attempt the
// command ended is already gone from the manager.
func (h Handlers) respondSnapshot(c *gin.Context, id string) {
	snap, err := h.Calls.Get(id)
	if errors.Is(err, call.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"call_id": id, "ended": true})
		return
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
