package api

import (
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"epic-poem/server/internal/clock"
	"epic-poem/server/internal/config"
	"epic-poem/server/internal/engine"
	"epic-poem/server/internal/logging"
	"epic-poem/server/internal/metrics"
	"epic-poem/server/internal/model"
	"epic-poem/server/internal/prompts"
	"epic-poem/server/internal/speech"
	"epic-poem/server/internal/store"
)

// Deps 构造 Server 需要的组件
type Deps struct {
	Config      *config.Config
	Engine      *engine.Engine
	Library     *prompts.Library
	Synthesizer speech.Synthesizer
	Transcriber speech.Transcriber
	// LocalSpeech 服务端本地合成（say / espeak），为空时交给浏览器
	LocalSpeech speech.LocalSynthesizer
	Scheduler   clock.Scheduler
	Metrics     *metrics.PoemMetrics
	Logger      *zap.Logger
}

type Server struct {
	config  *config.Config
	engine  *engine.Engine
	library *prompts.Library
	deps    Deps
	logger  *zap.Logger

	// sessions 活跃的 websocket 会话 (sessionID -> Session)
	sessions   map[string]*Session
	sessionsMu sync.RWMutex

	upgrader websocket.Upgrader
}

func NewServer(d Deps) *Server {
	if d.Config == nil {
		d.Config = config.Default()
	}
	if d.Library == nil {
		d.Library = prompts.New(nil, nil)
	}
	s := &Server{
		config:   d.Config,
		engine:   d.Engine,
		library:  d.Library,
		deps:     d,
		logger:   logging.OrNop(d.Logger).Named("api"),
		sessions: make(map[string]*Session),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// 非浏览器客户端不带 Origin
			return origin == "" || s.originAllowed(origin)
		},
	}
	return s
}

func (s *Server) Routes() http.Handler {
	router := gin.New()
	router.Use(s.requestLogger(), gin.Recovery(), s.corsMiddleware())
	router.GET("/healthz", s.handleHealthz)
	router.GET("/api/prompts", s.handlePrompts)
	router.GET("/api/settings", s.handleGetSettings)
	router.PUT("/api/settings", s.handlePutSettings)
	router.GET("/api/archive", s.handleArchive)
	router.DELETE("/api/archive/:id", s.handleDeleteArchive)
	router.GET("/api/poem", s.handlePoem)
	router.GET("/api/poem/stream", s.handlePoemStream)
	return router
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	s.sessionsMu.RLock()
	active := len(s.sessions)
	s.sessionsMu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": active})
}

// handlePrompts 返回全部角色/梦想组合。
func (s *Server) handlePrompts(c *gin.Context) {
	c.JSON(http.StatusOK, s.library.Prompts())
}

func (s *Server) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Settings())
}

// handlePutSettings 部分更新设置，非法取值返回 400。
func (s *Server) handlePutSettings(c *gin.Context) {
	var patch model.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	settings, err := s.engine.UpdateSettings(patch)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handleArchive(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Archive())
}

// handleDeleteArchive 删除一首归档的诗。
func (s *Server) handleDeleteArchive(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.DeleteArchive(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "archived poem not found"})
			return
		}
		s.logger.Error("[API] ❌ delete archive failed", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete archive failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handlePoem 返回当前快照，不含语音状态（语音状态属于单个连接）。
func (s *Server) handlePoem(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot())
}

// handlePoemStream 升级为 WebSocket 并为该连接创建一个会话。
func (s *Server) handlePoemStream(c *gin.Context) {
	s.logger.Info("[API] 📞 websocket connection request",
		zap.String("remote", c.Request.RemoteAddr),
		zap.String("origin", c.Request.Header.Get("Origin")))

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("[API] ❌ failed to upgrade websocket", zap.Error(err))
		return
	}

	sess := NewSession(conn, SessionConfig{
		Engine:        s.engine,
		Synthesizer:   s.deps.Synthesizer,
		Transcriber:   s.deps.Transcriber,
		LocalSpeech:   s.deps.LocalSpeech,
		Voices:        s.config.NarrationVoices(),
		ListenTimeout: s.config.Speech.ListenTimeout,
		Scheduler:     s.deps.Scheduler,
		Metrics:       s.deps.Metrics,
		Logger:        s.logger,
	})

	s.sessionsMu.Lock()
	s.sessions[sess.ID()] = sess
	count := len(s.sessions)
	s.sessionsMu.Unlock()
	s.logger.Info("[API] ✅ session registered", zap.String("session", sess.ID()), zap.Int("active", count))

	defer func() {
		s.sessionsMu.Lock()
		delete(s.sessions, sess.ID())
		remaining := len(s.sessions)
		s.sessionsMu.Unlock()
		s.logger.Info("[API] 🔌 session closed", zap.String("session", sess.ID()), zap.Int("remaining", remaining))
	}()

	// 阻塞直到连接关闭
	sess.Run()
}

// CloseSessions 关闭所有活跃会话，优雅停机时调用。
func (s *Server) CloseSessions() {
	s.sessionsMu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.RUnlock()

	for _, sess := range sessions {
		_ = sess.Close()
	}
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.config.Server.AllowedOrigins, origin)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger 用 zap 记录每个请求，替代 gin.Logger()
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("[API] request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
