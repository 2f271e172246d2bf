// Package http exposes the operational surface: liveness and server
// statistics. The chat protocol itself never travels over this server.
package http

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vforte/gruppo/internal/core"
	"github.com/vforte/gruppo/internal/store"
)

// StatsResponse reports current server totals.
type StatsResponse struct {
	Users          int64 `json:"users"`
	Groups         int64 `json:"groups"`
	Messages       int64 `json:"messages"`
	ActiveSessions int   `json:"active_sessions"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

func collectStats(ctx context.Context, st store.StatsStore, registry *core.Registry) (StatsResponse, error) {
	users, err := st.CountUsers(ctx)
	if err != nil {
		return StatsResponse{}, fmt.Errorf("count users: %w", err)
	}
	groups, err := st.CountGroups(ctx)
	if err != nil {
		return StatsResponse{}, fmt.Errorf("count groups: %w", err)
	}
	messages, err := st.CountMessages(ctx)
	if err != nil {
		return StatsResponse{}, fmt.Errorf("count messages: %w", err)
	}

	return StatsResponse{
		Users:          users,
		Groups:         groups,
		Messages:       messages,
		ActiveSessions: registry.Len(),
	}, nil
}

// NewServer builds the ops HTTP server.
func NewServer(addr string, st store.StatsStore, registry *core.Registry, readHeaderTimeout time.Duration, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})

	router.GET("/stats", func(c *gin.Context) {
		stats, err := collectStats(c.Request.Context(), st, registry)
		if err != nil {
			logger.Error().Err(err).Msg("failed to collect stats")
			c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
			return
		}
		c.JSON(stdhttp.StatusOK, stats)
	})

	return &stdhttp.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}
