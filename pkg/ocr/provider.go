// Package ocr 定义了 OCR 提供方接口及其 Tesseract(Tika) 与 Google Cloud Vision 实现。
// 所有实现都归一化为同一个 Result 结构。
package ocr

import (
	"context"
	"fmt"
	"strings"

	"abroad-docs-go/internal/config"
	"abroad-docs-go/pkg/apperr"
	"abroad-docs-go/pkg/tika"
)

// BoundingBox 是像素坐标系下的矩形框。
type BoundingBox struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// Block 是一行或一个词的识别结果。
type Block struct {
	Level      string      `json:"level"` // "line" 或 "word"
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// Result 是归一化后的识别结果，Confidence 取值 0~100。
type Result struct {
	Provider   string  `json:"provider"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Blocks     []Block `json:"blocks"`
}

// Provider 是 OCR 能力的抽象。
type Provider interface {
	Name() string
	Recognize(ctx context.Context, data []byte, contentType, language string) (*Result, error)
}

const (
	ProviderTesseract = "tesseract"
	ProviderVision    = "vision"
	ProviderNone      = "none"
)

// New 按配置构造 OCR 提供方。tikaClient 仅在 tesseract 时使用，可为 nil。
func New(ctx context.Context, cfg config.OCRConfig, tikaClient *tika.Client) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderTesseract:
		if tikaClient == nil {
			return nil, fmt.Errorf("ocr provider %q requires tika.server_url", cfg.Provider)
		}
		return NewTesseractProvider(tikaClient), nil
	case ProviderVision:
		return NewVisionProvider(ctx, cfg.VisionAPIKey, cfg.CredentialsFile)
	case ProviderNone, "":
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown ocr provider %q", cfg.Provider)
	}
}

// Disabled 在未配置 OCR 时使用，所有调用返回 UnsupportedOperation。
type Disabled struct{}

func (Disabled) Name() string { return ProviderNone }

func (Disabled) Recognize(context.Context, []byte, string, string) (*Result, error) {
	return nil, apperr.Unsupported("ocr is not configured")
}

// averageConfidence 计算词级置信度均值，没有词时返回 0。
func averageConfidence(blocks []Block) float64 {
	var sum float64
	var n int
	for _, b := range blocks {
		if b.Level != "word" {
			continue
		}
		sum += b.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
