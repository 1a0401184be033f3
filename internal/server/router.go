package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reseautageclub/huddle/backend/internal/auth"
	"github.com/reseautageclub/huddle/backend/internal/calls"
	"github.com/reseautageclub/huddle/backend/internal/rooms"
)

const (
	userIDContextKey  = "huddle_user_id"
	sseHeartbeatEvery = 25 * time.Second
)

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingCallService  = errors.New("call service dependency required")
	errMissingRoomService  = errors.New("room service dependency required")
	errMissingDispatcher   = errors.New("realtime dispatcher dependency required")
	errInvalidAuth         = errors.New("authorization header missing or invalid")
)

// SessionTokenManager issues and validates huddle session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, userID, displayName, avatarURL string) (string, int64, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// IdentityRegistry records user display profiles on session issuance.
type IdentityRegistry interface {
	Upsert(ctx context.Context, userID, displayName, avatarURL string) error
}

// Dependencies wires the HTTP layer to the services it fronts.
type Dependencies struct {
	TokenManager SessionTokenManager
	Identities   IdentityRegistry
	CallService  *calls.Service
	RoomService  *rooms.Service
	Store        rooms.BlobStore
	Realtime     *RealtimeDispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin handler serving the signaling API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.CallService == nil {
		return nil, errMissingCallService
	}
	if deps.RoomService == nil {
		return nil, errMissingRoomService
	}
	if deps.Realtime == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		identities: deps.Identities,
		callSvc:    deps.CallService,
		roomSvc:    deps.RoomService,
		store:      deps.Store,
		realtime:   deps.Realtime,
		logger:     logger,
	}

	router.POST("/auth/session", handler.handleIssueSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/calls", handler.handleInitiateCall)
	protected.GET("/calls", handler.handleCallHistory)
	protected.GET("/calls/stream", handler.handleCallStream)
	protected.GET("/calls/ws", handler.handleCallSocket)
	protected.GET("/calls/:id", handler.handleGetCall)
	protected.POST("/calls/:id/accept", handler.transitionHandler(callActionAccept))
	protected.POST("/calls/:id/decline", handler.transitionHandler(callActionDecline))
	protected.POST("/calls/:id/cancel", handler.transitionHandler(callActionCancel))
	protected.POST("/calls/:id/end", handler.transitionHandler(callActionEnd))
	protected.POST("/calls/:id/signals", handler.handleStoreSignal)
	protected.GET("/calls/:id/signals", handler.handleFetchSignals)
	protected.POST("/rooms/:roomID/recording", handler.handleUploadRecording)
	protected.POST("/rooms/:roomID/finalize", handler.handleFinalizeRoom)
	protected.GET("/workshops", handler.handleListWorkshops)

	return router, nil
}

type httpHandler struct {
	tokens     SessionTokenManager
	identities IdentityRegistry
	callSvc    *calls.Service
	roomSvc    *rooms.Service
	store      rooms.BlobStore
	realtime   *RealtimeDispatcher
	logger     *zap.Logger
}

type sessionRequestPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), request.UserID, request.DisplayName, request.AvatarURL)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	if h.identities != nil {
		if err := h.identities.Upsert(c.Request.Context(), request.UserID, request.DisplayName, request.AvatarURL); err != nil {
			h.logger.Warn("identity upsert failed", zap.String("user_id", request.UserID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type initiateRequestPayload struct {
	ReceiverID string `json:"receiver_id"`
	CallType   string `json:"call_type"`
}

func (h *httpHandler) handleInitiateCall(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request initiateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	callerID, err := calls.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	receiverID, err := calls.NewUserID(request.ReceiverID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_receiver"})
		return
	}
	callType, err := calls.ParseCallType(request.CallType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_call_type"})
		return
	}

	created, err := h.callSvc.Initiate(c.Request.Context(), callerID, receiverID, callType)
	if err != nil {
		h.writeCallError(c, "initiate call failed", err)
		return
	}
	c.JSON(http.StatusCreated, callToPayload(created))
}

type callAction int

const (
	callActionAccept callAction = iota
	callActionDecline
	callActionCancel
	callActionEnd
)

func (h *httpHandler) transitionHandler(action callAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID, err := calls.NewUserID(c.GetString(userIDContextKey))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		callID, err := calls.NewCallID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_call_id"})
			return
		}

		var updated *calls.CallRequest
		switch action {
		case callActionAccept:
			updated, err = h.callSvc.Accept(c.Request.Context(), callID, actorID)
		case callActionDecline:
			updated, err = h.callSvc.Decline(c.Request.Context(), callID, actorID)
		case callActionCancel:
			updated, err = h.callSvc.Cancel(c.Request.Context(), callID, actorID)
		case callActionEnd:
			updated, err = h.callSvc.End(c.Request.Context(), callID, actorID)
		}
		if err != nil {
			h.writeCallError(c, "call transition failed", err)
			return
		}
		c.JSON(http.StatusOK, callToPayload(updated))
	}
}

func (h *httpHandler) handleGetCall(c *gin.Context) {
	actorID, err := calls.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	callID, err := calls.NewCallID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_call_id"})
		return
	}

	request, err := h.callSvc.Get(c.Request.Context(), callID, actorID)
	if err != nil {
		h.writeCallError(c, "get call failed", err)
		return
	}
	c.JSON(http.StatusOK, callToPayload(request))
}

func (h *httpHandler) handleCallHistory(c *gin.Context) {
	actorID, err := calls.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	history, err := h.callSvc.History(c.Request.Context(), actorID)
	if err != nil {
		h.writeCallError(c, "call history failed", err)
		return
	}

	payloads := make([]callPayload, 0, len(history))
	for index := range history {
		payloads = append(payloads, callToPayload(&history[index]))
	}
	c.JSON(http.StatusOK, gin.H{"calls": payloads})
}

type storeSignalPayload struct {
	SignalType string          `json:"signal_type"`
	SignalData json.RawMessage `json:"signal_data"`
}

func (h *httpHandler) handleStoreSignal(c *gin.Context) {
	actorID, err := calls.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	callID, err := calls.NewCallID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_call_id"})
		return
	}

	var request storeSignalPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.SignalData) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	signalType, err := calls.ParseSignalType(request.SignalType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signal_type"})
		return
	}

	signal, err := h.callSvc.StoreSignal(c.Request.Context(), callID, actorID, signalType, request.SignalData)
	if err != nil {
		h.writeCallError(c, "store signal failed", err)
		return
	}
	c.JSON(http.StatusCreated, signalToPayload(signal))
}

func (h *httpHandler) handleFetchSignals(c *gin.Context) {
	actorID, err := calls.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	callID, err := calls.NewCallID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_call_id"})
		return
	}

	signals, err := h.callSvc.FetchSignals(c.Request.Context(), callID, actorID)
	if err != nil {
		h.writeCallError(c, "fetch signals failed", err)
		return
	}

	payloads := make([]signalPayload, 0, len(signals))
	for index := range signals {
		payloads = append(payloads, signalToPayload(&signals[index]))
	}
	c.JSON(http.StatusOK, gin.H{"signals": payloads})
}

// authorizeRoomHost resolves the call owning roomID and requires the acting
// user to be its caller. The caller minted the room and acts as its host, and
// recording and finalization are host-only operations.
func (h *httpHandler) authorizeRoomHost(c *gin.Context, roomID string) (string, bool) {
	actorID := c.GetString(userIDContextKey)
	request, err := h.callSvc.FindByRoom(c.Request.Context(), roomID)
	if err != nil {
		h.writeCallError(c, "room lookup failed", err)
		return "", false
	}
	if request.CallerID != actorID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_participant"})
		return "", false
	}
	return actorID, true
}

// handleUploadRecording streams the request body through a bounded recorder
// into blob storage and returns the object key for a later finalize call.
func (h *httpHandler) handleUploadRecording(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "storage_unavailable"})
		return
	}
	roomID := strings.TrimSpace(c.Param("roomID"))
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	if _, ok := h.authorizeRoomHost(c, roomID); !ok {
		return
	}

	recorder, err := rooms.NewRecorder(rooms.RecorderConfig{
		Store:  h.store,
		Key:    "rooms/" + roomID + "/recording.webm",
		Logger: h.logger,
	})
	if err != nil {
		h.logger.Error("recorder construction failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recording_failed"})
		return
	}

	if _, err := io.Copy(recorder, c.Request.Body); err != nil {
		h.logger.Warn("recording upload interrupted", zap.String("room_id", roomID), zap.Error(err))
	}
	result, err := recorder.Stop(c.Request.Context())
	if err != nil {
		h.logger.Error("recording finalize failed", zap.String("room_id", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recording_failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"recording_key":  result.Key,
		"recorded_bytes": result.Bytes,
	})
}

type finalizeRequestPayload struct {
	CallID           string `json:"call_id"`
	Title            string `json:"title"`
	SaveAs           string `json:"save_as"`
	StartedAtSeconds int64  `json:"started_at_s"`
	RecordingKey     string `json:"recording_key"`
	RecordedBytes    int64  `json:"recorded_bytes"`
}

func (h *httpHandler) handleFinalizeRoom(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("roomID"))
	hostID, ok := h.authorizeRoomHost(c, roomID)
	if !ok {
		return
	}

	var request finalizeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	saveMode, err := rooms.ParseSaveMode(request.SaveAs)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_save_mode"})
		return
	}
	if request.RecordingKey != "" && !strings.HasPrefix(request.RecordingKey, "rooms/"+roomID+"/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_recording_key"})
		return
	}

	input := rooms.FinalizeInput{
		RoomID:   roomID,
		CallID:   request.CallID,
		HostID:   hostID,
		Title:    request.Title,
		SaveMode: saveMode,
	}
	if request.StartedAtSeconds > 0 {
		input.StartedAt = time.Unix(request.StartedAtSeconds, 0).UTC()
	}
	if request.RecordingKey != "" {
		input.Recording = &rooms.RecordingResult{
			Key:   request.RecordingKey,
			Bytes: request.RecordedBytes,
		}
	}

	outcome, err := h.roomSvc.Finalize(c.Request.Context(), input)
	if err != nil {
		if errors.Is(err, rooms.ErrInvalidSaveMode) || errors.Is(err, rooms.ErrMissingRoom) || errors.Is(err, rooms.ErrMissingHost) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("room finalize failed", zap.String("room_id", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "finalize_failed"})
		return
	}

	response := gin.H{"placeholder_used": outcome.PlaceholderUsed}
	if outcome.Workshop != nil {
		response["workshop"] = workshopToPayload(outcome.Workshop)
	}
	if outcome.Archive != nil {
		response["archive_entry_id"] = outcome.Archive.EntryID
	}
	c.JSON(http.StatusCreated, response)
}

func (h *httpHandler) handleListWorkshops(c *gin.Context) {
	workshops, err := h.roomSvc.ListWorkshops(c.Request.Context(), c.Query("host_id"))
	if err != nil {
		h.logger.Error("list workshops failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payloads := make([]workshopPayload, 0, len(workshops))
	for index := range workshops {
		payloads = append(payloads, workshopToPayload(&workshops[index]))
	}
	c.JSON(http.StatusOK, gin.H{"workshops": payloads})
}

// authorizeRequest accepts a bearer header or, for stream transports that
// cannot set headers, an access_token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case c.Query("access_token") != "":
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID())
	c.Next()
}

func (h *httpHandler) writeCallError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, calls.ErrCallNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "call_not_found"})
	case errors.Is(err, calls.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_participant"})
	case errors.Is(err, calls.ErrCallUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "call_unavailable"})
	case errors.Is(err, calls.ErrSelfCall):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_receiver"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
