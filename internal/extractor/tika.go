package extractor

import (
	"context"
	"strings"
)

// TextExtractorClient 是 Tika 客户端中提取器需要的部分。
type TextExtractorClient interface {
	ExtractText(ctx context.Context, data []byte, fileName string) (string, error)
}

// TikaExtractor 用于 doc/pptx/xlsx 等没有内置解析器的 Office 格式。
type TikaExtractor struct {
	client TextExtractorClient
}

func NewTikaExtractor(client TextExtractorClient) *TikaExtractor {
	return &TikaExtractor{client: client}
}

func (e *TikaExtractor) Extract(ctx context.Context, data []byte, fileName string) (*Result, error) {
	text, err := e.client.ExtractText(ctx, data, fileName)
	if err != nil {
		return nil, err
	}
	return &Result{Text: strings.TrimSpace(text), Method: "tika"}, nil
}
