// Package handler serves the status API behind the dashboard.
package handler

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/isolab/isolab/internal/auth"
	"github.com/isolab/isolab/internal/lifecycle"
	"github.com/isolab/isolab/internal/logx"
)

type RouterOptions struct {
	AllowOrigins []string
	// TokenHash, when set, requires a matching bearer token on /api.
	TokenHash string
}

func NewRouter(labs *LabHandler, drainState *lifecycle.DrainManager, opts RouterOptions) *gin.Engine {
	origins := opts.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logx.RequestIDMiddleware())
	r.Use(logx.AccessLogMiddleware("api_http"))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"Content-Length", "X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}))
	r.Use(func(c *gin.Context) {
		if drainState != nil && drainState.IsDraining() && c.Request.URL.Path != "/health" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is draining"})
			return
		}
		if drainState != nil {
			release := drainState.Track(c.Request.Method + " " + c.FullPath())
			defer release()
		}
		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	if opts.TokenHash != "" {
		api.Use(auth.BearerMiddleware(opts.TokenHash))
	}
	labs.RegisterRoutes(api)
	return r
}
