package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"abroad-docs-go/internal/middleware"
	"abroad-docs-go/pkg/token"
)

// Handlers 汇总了所有需要注册的处理器。
type Handlers struct {
	Upload   *UploadHandler
	Document *DocumentHandler
	Search   *SearchHandler
	Status   *StatusStreamHandler
}

// RegisterRoutes 在 /api/v1 下注册全部路由，除健康检查外均需认证。
func RegisterRoutes(r *gin.Engine, jwtManager *token.JWTManager, h Handlers) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(jwtManager))

	// Document 路由组
	documents := apiV1.Group("/documents")
	{
		documents.POST("", h.Upload.Upload)
		documents.GET("", h.Document.List)
		documents.GET("/supported-types", h.Upload.SupportedTypes)
		documents.GET("/:trackingId", h.Document.Get)
		documents.GET("/:trackingId/status", h.Document.Status)
		documents.GET("/:trackingId/status/ws", h.Status.Handle)
		documents.PUT("/:trackingId/tags", h.Document.UpdateTags)
		documents.DELETE("/:trackingId", h.Document.Delete)
		documents.GET("/:trackingId/download", h.Document.Download)
	}

	apiV1.POST("/search", h.Search.Search)
}
