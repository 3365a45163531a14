package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"abroad-docs-go/internal/model"
	"abroad-docs-go/internal/service"
	"abroad-docs-go/pkg/apperr"
	"abroad-docs-go/pkg/log"
)

// SearchHandler 结构体定义了搜索相关的处理器。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// Search 处理 POST /search，请求体为 model.SearchQuery。
func (h *SearchHandler) Search(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	var q model.SearchQuery
	if err := c.ShouldBindJSON(&q); err != nil {
		respondError(c, "SearchHandler", apperr.Validation("invalid request body: %v", err))
		return
	}
	log.Infof("[SearchHandler] 收到检索请求, OwnerID: %s, Mode: %s, Query: %s", owner, q.Mode, q.Query)

	resp, err := h.searchService.Search(c.Request.Context(), owner, q)
	if err != nil {
		respondError(c, "SearchHandler", err)
		return
	}
	respond(c, http.StatusOK, "success", resp)
}
