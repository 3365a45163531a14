package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"abroad-docs-go/internal/model"
	"abroad-docs-go/internal/service"
	"abroad-docs-go/pkg/apperr"
	"abroad-docs-go/pkg/log"
)

// DocumentHandler 负责处理所有与文档管理相关的 API 请求。
type DocumentHandler struct {
	docService service.DocumentService
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(docService service.DocumentService) *DocumentHandler {
	return &DocumentHandler{docService: docService}
}

// List 按条件分页列出当前用户的文档，按创建时间倒序。
func (h *DocumentHandler) List(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	filter, err := parseDocumentFilter(c)
	if err != nil {
		respondError(c, "DocumentHandler", err)
		return
	}
	page, err := h.docService.List(c.Request.Context(), owner, filter)
	if err != nil {
		respondError(c, "DocumentHandler", err)
		return
	}
	respond(c, http.StatusOK, "获取文档列表成功", page)
}

// Get 返回单个文档的元数据。
func (h *DocumentHandler) Get(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	doc, err := h.docService.Get(c.Request.Context(), owner, c.Param("trackingId"))
	if err != nil {
		respondError(c, "DocumentHandler", err)
		return
	}
	respond(c, http.StatusOK, "success", doc)
}

// Status 返回文档处理状态与进度。
func (h *DocumentHandler) Status(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	st, err := h.docService.Status(c.Request.Context(), owner, c.Param("trackingId"))
	if err != nil {
		respondError(c, "DocumentHandler", err)
		return
	}
	respond(c, http.StatusOK, "success", st)
}

type updateTagsRequest struct {
	Tags []string `json:"tags"`
}

// UpdateTags 替换文档标签。
func (h *DocumentHandler) UpdateTags(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	var req updateTagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, "DocumentHandler", apperr.Validation("invalid request body: %v", err))
		return
	}
	doc, err := h.docService.UpdateTags(c.Request.Context(), owner, c.Param("trackingId"), req.Tags)
	if err != nil {
		respondError(c, "DocumentHandler", err)
		return
	}
	respond(c, http.StatusOK, "标签更新成功", doc)
}

// Delete 删除文档及其分块和原始文件。
func (h *DocumentHandler) Delete(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	trackingID := c.Param("trackingId")
	if err := h.docService.Delete(c.Request.Context(), owner, trackingID); err != nil {
		respondError(c, "DocumentHandler", err)
		return
	}
	log.Infof("[DocumentHandler] 文档已删除, OwnerID: %s, TrackingID: %s", owner, trackingID)
	respond(c, http.StatusOK, "文档删除成功", nil)
}

// Download 生成原始文件的临时下载链接。
func (h *DocumentHandler) Download(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	info, err := h.docService.DownloadURL(c.Request.Context(), owner, c.Param("trackingId"))
	if err != nil {
		respondError(c, "DocumentHandler", err)
		return
	}
	respond(c, http.StatusOK, "文件下载链接生成成功", info)
}

func parseDocumentFilter(c *gin.Context) (model.DocumentFilter, error) {
	f := model.DocumentFilter{
		Status:  model.ProcessingStatus(c.Query("status")),
		DocType: model.DocType(c.Query("type")),
	}
	if raw := c.Query("tags"); raw != "" {
		f.Tags = service.NormalizeTags(strings.Split(raw, ","))
	}
	var err error
	if f.From, err = queryTime(c, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(c, "offset"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		return f, err
	}
	return f, nil
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func queryTime(c *gin.Context, key string) (*time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperr.Validation("%s must be an RFC3339 timestamp, got %q", key, v)
	}
	return &t, nil
}
