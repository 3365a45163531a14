// Package tika 提供了一个与 Apache Tika 服务器交互的客户端。
package tika

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"abroad-docs-go/internal/config"
)

// Client 是 Tika 服务器的客户端。
type Client struct {
	serverURL  string
	httpClient *http.Client
}

// NewClient 创建一个新的 Tika 客户端实例。
func NewClient(cfg config.TikaConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		serverURL:  strings.TrimRight(cfg.ServerURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ExtractText 自动根据文件后缀推断 MIME 类型，并调用 Tika 提取纯文本。
func (c *Client) ExtractText(ctx context.Context, data []byte, fileName string) (string, error) {
	headers := map[string]string{
		"Accept":       "text/plain",
		"Content-Type": detectMimeType(fileName),
		// 文本提取阶段不做 OCR，扫描件交给 OCR 提供方处理
		"X-Tika-PDFOcrStrategy": "no_ocr",
	}
	return c.put(ctx, data, headers)
}

// RecognizeHOCR 通过 Tika 内置的 Tesseract 解析器识别图片或扫描版 PDF，返回 hOCR 格式的 XHTML。
func (c *Client) RecognizeHOCR(ctx context.Context, data []byte, contentType, language string) (string, error) {
	headers := map[string]string{
		"Accept":                "text/html",
		"Content-Type":          contentType,
		"X-Tika-OCRoutputType":  "hocr",
		"X-Tika-PDFOcrStrategy": "ocr_only",
	}
	if language != "" {
		headers["X-Tika-OCRLanguage"] = language
	}
	return c.put(ctx, data, headers)
}

func (c *Client) put(ctx context.Context, data []byte, headers map[string]string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.serverURL+"/tika", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("调用 Tika 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("Tika 返回错误 [%d]: %s", resp.StatusCode, string(body))
	}

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return "", fmt.Errorf("读取 Tika 响应失败: %w", err)
	}
	return buf.String(), nil
}

// detectMimeType 根据文件扩展名判断 Content-Type
func detectMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		return "application/octet-stream"
	}
	return mimeType
}
