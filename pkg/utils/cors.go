package utils

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Cors lets the UI be served from another origin, e.g. the dev server.
func Cors() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "PUT", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "X-Requested-With"},
		ExposeHeaders:   []string{"Content-Length", "Content-Type"},
		AllowWebSockets: true,
		MaxAge:          12 * time.Hour,
	})
}
