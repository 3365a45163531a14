package handler

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"abroad-docs-go/internal/model"
	"abroad-docs-go/internal/service"
	"abroad-docs-go/pkg/apperr"
	"abroad-docs-go/pkg/log"
)

// UploadHandler 负责处理文件上传相关的 API 请求。
type UploadHandler struct {
	uploadService service.UploadService
	maxBytes      int64
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。maxBytes 用于在读取前拦截过大的文件。
func NewUploadHandler(uploadService service.UploadService, maxBytes int64) *UploadHandler {
	return &UploadHandler{uploadService: uploadService, maxBytes: maxBytes}
}

// Upload 接收 multipart 文件并投递后台处理。新文档返回 202，重复文件返回 200 和已有文档。
func (h *UploadHandler) Upload(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondError(c, "UploadHandler", apperr.Validation("multipart field 'file' is required"))
		return
	}
	if h.maxBytes > 0 && fileHeader.Size > h.maxBytes {
		respondError(c, "UploadHandler", apperr.Validation("file %s exceeds the %d MB limit", fileHeader.Filename, h.maxBytes>>20))
		return
	}
	opts, err := parseOptions(c)
	if err != nil {
		respondError(c, "UploadHandler", err)
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		respondError(c, "UploadHandler", err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		respondError(c, "UploadHandler", err)
		return
	}

	log.Infof("[UploadHandler] 收到上传请求, OwnerID: %s, FileName: %s, Size: %d", owner, fileHeader.Filename, len(data))
	res, err := h.uploadService.Upload(c.Request.Context(), service.UploadRequest{
		OwnerID:     owner,
		FileName:    fileHeader.Filename,
		Data:        data,
		Title:       c.PostForm("title"),
		Description: c.PostForm("description"),
		Tags:        splitTags(c.PostFormArray("tags")),
		Options:     opts,
	})
	if err != nil {
		respondError(c, "UploadHandler", err)
		return
	}

	status, message := http.StatusAccepted, "文件已接收, 正在后台处理"
	if res.Duplicate {
		status, message = http.StatusOK, "文件已存在"
	}
	respond(c, status, message, gin.H{
		"trackingId": res.Document.TrackingID,
		"documentId": res.Document.ID.Hex(),
		"duplicate":  res.Duplicate,
		"status":     res.Document.Status,
	})
}

// SupportedTypes 返回当前可处理的文件类型。
func (h *UploadHandler) SupportedTypes(c *gin.Context) {
	respond(c, http.StatusOK, "success", h.uploadService.SupportedTypes())
}

func parseOptions(c *gin.Context) (model.ProcessingOptions, error) {
	var opts model.ProcessingOptions
	var err error
	if opts.SkipOCR, err = formBool(c, "skipOcr"); err != nil {
		return opts, err
	}
	if opts.SkipEmbedding, err = formBool(c, "skipEmbedding"); err != nil {
		return opts, err
	}
	if opts.ChunkSize, err = formInt(c, "chunkSize"); err != nil {
		return opts, err
	}
	if opts.ChunkOverlap, err = formInt(c, "chunkOverlap"); err != nil {
		return opts, err
	}
	opts.ChunkStrategy = strings.TrimSpace(c.PostForm("chunkStrategy"))
	opts.OCRLanguage = strings.TrimSpace(c.PostForm("ocrLanguage"))
	return opts, nil
}

func formBool(c *gin.Context, key string) (bool, error) {
	v := strings.TrimSpace(c.PostForm(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, apperr.Validation("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func formInt(c *gin.Context, key string) (int, error) {
	v := strings.TrimSpace(c.PostForm(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// splitTags 同时支持重复字段和逗号分隔两种写法。
func splitTags(values []string) []string {
	var tags []string
	for _, v := range values {
		tags = append(tags, strings.Split(v, ",")...)
	}
	return tags
}
