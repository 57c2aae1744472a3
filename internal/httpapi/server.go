// Package httpapi is the HTTP surface of the signaling server: the
// meetings API, join tokens, TURN credentials, health and metrics, and
// the websocket upgrade into the hub.
package httpapi

import (
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/iglu-video/iglu/internal/auth"
	"github.com/iglu-video/iglu/internal/config"
	"github.com/iglu-video/iglu/internal/hub"
	"github.com/iglu-video/iglu/internal/metrics"
	"github.com/iglu-video/iglu/internal/origin"
	"github.com/iglu-video/iglu/internal/turncred"
)

// Meeting codes use an alphabet without ambiguous characters.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	hub     *hub.Hub
	store   hub.Store
	metrics *metrics.Metrics

	origins  *origin.Matcher
	issuer   *auth.Issuer
	verifier *auth.Verifier
	turn     *turncred.Generator

	upgrader websocket.Upgrader
	engine   *gin.Engine
}

func New(cfg config.Config, logger *slog.Logger, h *hub.Hub, store hub.Store, m *metrics.Metrics) (*Server, error) {
	matcher, err := origin.NewMatcher(cfg.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		hub:     h,
		store:   store,
		metrics: m,
		origins: matcher,
	}

	if cfg.AuthMode == config.AuthModeJWT {
		s.issuer, err = auth.NewIssuer([]byte(cfg.JWTSecret), cfg.TokenTTL)
		if err != nil {
			return nil, err
		}
		s.verifier, err = auth.NewVerifier([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, err
		}
	}

	if cfg.TURN.Enabled() {
		s.turn, err = turncred.NewGenerator(turncred.GeneratorConfig{
			SharedSecret:   cfg.TURN.SharedSecret,
			TTLSeconds:     cfg.TURN.TTLSeconds,
			UsernamePrefix: cfg.TURN.UsernamePrefix,
		})
		if err != nil {
			return nil, err
		}
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	if cfg.Mode == config.ModeProd {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), s.accessLog())

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(metrics.PrometheusHandler(m)))

	api := engine.Group("/api")
	api.POST("/meetings", s.requireAuth(), s.handleCreateMeeting)
	api.GET("/meetings/:id", s.handleGetMeeting)
	api.DELETE("/meetings/:id", s.requireAuth(), s.handleDeleteMeeting)
	api.POST("/meetings/:id/tokens", s.handleIssueToken)
	api.GET("/turn-credentials", s.handleTURNCredentials)

	engine.GET("/ws/meetings/:id", s.handleWS)

	s.engine = engine
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	// Non-browser clients send no Origin header.
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return true
	}
	return s.origins.Allows(originHeader, r.Host)
}

// requireAuth gates mutating API routes behind a bearer token in jwt
// mode. In none mode everything is open, matching the signaling side.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AuthMode != config.AuthModeJWT {
			c.Next()
			return
		}

		token := bearerToken(c.Request)
		identity, err := s.verifier.Verify(token, "")
		if err != nil {
			s.metrics.Inc(metrics.AuthFailure)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Set("user_id", identity.UserID)
		c.Next()
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": s.hub.RoomCount()})
}

type createMeetingRequest struct {
	MaxParticipants int `json:"maxParticipants"`
}

type createMeetingResponse struct {
	MeetingID string `json:"meetingId"`
	Code      string `json:"code"`
}

func (s *Server) handleCreateMeeting(c *gin.Context) {
	var req createMeetingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.MaxParticipants <= 0 || req.MaxParticipants > s.cfg.MaxParticipantsPerRoom {
		req.MaxParticipants = s.cfg.MaxParticipantsPerRoom
	}

	if s.cfg.MaxRooms > 0 && s.hub.RoomCount() >= s.cfg.MaxRooms {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room capacity reached"})
		return
	}

	creatorID, _ := c.Get("user_id")
	creator, _ := creatorID.(string)

	m := hub.Meeting{
		ID:              uuid.New().String(),
		Code:            generateMeetingCode(),
		CreatorID:       creator,
		CreatedAt:       time.Now(),
		MaxParticipants: req.MaxParticipants,
	}
	if err := s.store.CreateMeeting(c.Request.Context(), m); err != nil {
		s.logger.Error("creating meeting", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create meeting"})
		return
	}

	s.logger.Info("meeting created", "meeting_id", m.ID, "code", m.Code)
	c.JSON(http.StatusCreated, createMeetingResponse{MeetingID: m.ID, Code: m.Code})
}

func (s *Server) handleGetMeeting(c *gin.Context) {
	m, err := s.store.GetMeeting(c.Request.Context(), c.Param("id"))
	if errors.Is(err, hub.ErrMeetingNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
		return
	}
	if err != nil {
		s.logger.Error("loading meeting", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load meeting"})
		return
	}

	count, err := s.store.PeerCount(c.Request.Context(), m.ID)
	if err != nil {
		s.logger.Warn("counting peers", "err", err)
	}
	c.JSON(http.StatusOK, gin.H{
		"meetingId":       m.ID,
		"code":            m.Code,
		"createdAt":       m.CreatedAt,
		"maxParticipants": m.MaxParticipants,
		"participants":    count,
	})
}

func (s *Server) handleDeleteMeeting(c *gin.Context) {
	m, err := s.store.GetMeeting(c.Request.Context(), c.Param("id"))
	if errors.Is(err, hub.ErrMeetingNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load meeting"})
		return
	}

	if s.cfg.AuthMode == config.AuthModeJWT {
		userID, _ := c.Get("user_id")
		if creator, _ := userID.(string); creator != m.CreatorID {
			c.JSON(http.StatusForbidden, gin.H{"error": "only the creator can delete a meeting"})
			return
		}
	}

	if err := s.store.DeleteMeeting(c.Request.Context(), m.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete meeting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": m.ID})
}

type issueTokenRequest struct {
	UserID      string `json:"userId" binding:"required"`
	DisplayName string `json:"displayName"`
}

func (s *Server) handleIssueToken(c *gin.Context) {
	if s.issuer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "token auth is disabled"})
		return
	}

	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := s.store.GetMeeting(c.Request.Context(), c.Param("id"))
	if errors.Is(err, hub.ErrMeetingNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load meeting"})
		return
	}

	token, err := s.issuer.Issue(m.ID, req.UserID, req.DisplayName)
	if err != nil {
		s.logger.Error("issuing token", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"meetingId": m.ID,
		"expiresIn": int(s.cfg.TokenTTL.Seconds()),
	})
}

// handleTURNCredentials returns the ICE server list with ephemeral
// coturn credentials filled in when the REST secret is configured.
func (s *Server) handleTURNCredentials(c *gin.Context) {
	type iceServer struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username,omitempty"`
		Credential string   `json:"credential,omitempty"`
	}

	servers := make([]iceServer, 0, len(s.cfg.ICE.Servers))
	for _, srv := range s.cfg.ICE.Servers {
		entry := iceServer{URLs: srv.URLs}
		if cred, ok := srv.Credential.(string); ok {
			entry.Username = srv.Username
			entry.Credential = cred
		}
		servers = append(servers, entry)
	}

	var expiry int64
	if s.turn != nil {
		participantID := c.Query("userId")
		var creds turncred.Credentials
		var err error
		if participantID != "" {
			creds, err = s.turn.Generate(participantID)
		} else {
			creds, err = s.turn.GenerateRandom()
		}
		if err != nil {
			s.logger.Error("generating turn credentials", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate credentials"})
			return
		}
		expiry = creds.ExpiryUnix
		for i := range servers {
			for _, u := range servers[i].URLs {
				if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
					servers[i].Username = creds.Username
					servers[i].Credential = creds.Credential
					break
				}
			}
		}
	}

	resp := gin.H{"iceServers": servers}
	if expiry != 0 {
		resp["expiresAt"] = expiry
	}
	c.JSON(http.StatusOK, resp)
}

// handleWS authenticates the caller, upgrades the connection and hands
// it to the hub. The meeting must exist in the store before anyone can
// join it.
func (s *Server) handleWS(c *gin.Context) {
	meetingRef := c.Param("id")

	m, err := s.store.GetMeeting(c.Request.Context(), meetingRef)
	if errors.Is(err, hub.ErrMeetingNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load meeting"})
		return
	}

	var userID, userName string
	switch s.cfg.AuthMode {
	case config.AuthModeJWT:
		identity, err := s.verifier.Verify(bearerToken(c.Request), m.ID)
		if err != nil {
			s.metrics.Inc(metrics.AuthFailure)
			status := http.StatusUnauthorized
			if errors.Is(err, auth.ErrMeetingMismatch) {
				status = http.StatusForbidden
			}
			c.JSON(status, gin.H{"error": "invalid or missing token"})
			return
		}
		userID = identity.UserID
		userName = identity.DisplayName
	default:
		userID = c.Query("userId")
		userName = c.Query("userName")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
			return
		}
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	s.hub.ServeConn(c.Request.Context(), conn, m.ID, userID, userName)
}

func generateMeetingCode() string {
	code := make([]byte, hub.MeetingCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		code[i] = codeAlphabet[n.Int64()]
	}
	return string(code)
}
