// Package server owns the HTTP surface: webhook routes for every enabled
// channel, the status probe, the Graph profile endpoints and the WhatsApp
// media and passthrough helpers.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/palmmind-office/Social-Media-Bot/internal/channels"
	"github.com/palmmind-office/Social-Media-Bot/internal/config"
)

// Server is the webhook HTTP server.
type Server struct {
	port    int
	engine  *gin.Engine
	httpSrv *http.Server
}

// New builds the router and mounts every managed channel.
func New(cfg *config.Config, manager *channels.Manager) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/status", func(c *gin.Context) {
		c.String(http.StatusOK, "running")
	})

	manager.MountAll(engine)

	for _, ch := range manager.Channels() {
		switch concrete := ch.(type) {
		case *channels.MessengerChannel:
			mountProfileRoute(engine, concrete)
		case *channels.WhatsAppChannel:
			mountMediaRoute(engine, concrete)
		}
	}

	engine.POST("/post/whatsapp/message", handleWhatsAppPassthrough)

	engine.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, "Not Found")
	})

	return &Server{
		port:   cfg.Server.Port,
		engine: engine,
	}
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.engine,
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	slog.Info("webhook server listening", "port", s.port)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func mountProfileRoute(engine *gin.Engine, ch *channels.MessengerChannel) {
	route := "/facebook-profile/:userId"
	if ch.Name() == "instagram" {
		route = "/instagram-profile/:userId"
	}
	engine.GET(route, func(c *gin.Context) {
		data, err := ch.GetUserProfile(c.Request.Context(), c.Param("userId"))
		if err != nil || len(data) == 0 {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		c.Data(http.StatusOK, "application/json", data)
	})
}

// mountMediaRoute serves WhatsApp media by the hosted retrieval name
// <mediaID>.<extension> that the inbound normalizer hands to the backend.
func mountMediaRoute(engine *gin.Engine, ch *channels.WhatsAppChannel) {
	engine.GET("/rest/v1/chat/whatsappFile/:file", func(c *gin.Context) {
		name := c.Param("file")
		mediaID := name
		if idx := strings.LastIndex(name, "."); idx > 0 {
			mediaID = name[:idx]
		}
		data, contentType, err := ch.DownloadMedia(c.Request.Context(), mediaID)
		if err != nil {
			slog.Error("server: whatsapp media fetch failed", "media", mediaID, "err", err)
			c.Status(http.StatusNotFound)
			return
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.Data(http.StatusOK, contentType, data)
	})
}

type passthroughRequest struct {
	Endpoint        string          `json:"endpoint"`
	Method          string          `json:"method"`
	GraphAPIVersion string          `json:"graphApiVersion"`
	AccessToken     string          `json:"accessToken"`
	FromID          string          `json:"fromId"`
	Body            json.RawMessage `json:"body"`
}

// handleWhatsAppPassthrough forwards a caller-supplied Graph call with the
// caller's own credential. Used by dashboard-side integrations.
func handleWhatsAppPassthrough(c *gin.Context) {
	var req passthroughRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": 500, "error": true})
		return
	}
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = req.FromID + "/messages"
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	version := req.GraphAPIVersion
	if version == "" {
		version = "17.0"
	}

	var reader io.Reader
	if len(req.Body) > 0 {
		reader = bytes.NewReader(req.Body)
	}
	url := fmt.Sprintf("https://graph.facebook.com/v%s/%s", version, endpoint)
	outReq, err := http.NewRequestWithContext(c.Request.Context(), method, url, reader)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": 500, "error": true})
		return
	}
	outReq.Header.Set("Content-Type", "application/json")
	outReq.Header.Set("Authorization", "Bearer "+req.AccessToken)

	resp, err := http.DefaultClient.Do(outReq)
	if err != nil {
		slog.Error("server: whatsapp passthrough failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": 500, "error": true})
		return
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": 500, "error": true})
		return
	}

	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(data, &probe) == nil && len(probe.Error) > 0 && string(probe.Error) != "null" {
		slog.Error("server: whatsapp passthrough platform error", "detail", string(probe.Error))
		c.JSON(http.StatusInternalServerError, gin.H{"status": 500, "error": true})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}
