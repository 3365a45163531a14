package extractor

import (
	"bytes"
	"context"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// TextExtractor 处理纯文本、Markdown 与 HTML：按原样解码，不做标记清洗。
type TextExtractor struct{}

func NewTextExtractor() *TextExtractor { return &TextExtractor{} }

// Extract 识别 UTF-8/UTF-16 BOM 并解码；既无 BOM 又不是合法 UTF-8 时按 Windows-1252 解码。
func (e *TextExtractor) Extract(_ context.Context, data []byte, _ string) (*Result, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, err
	}
	return &Result{Text: text, NeedsOCR: false, PageCount: 1, Method: "passthrough"}, nil
}

func decodeText(data []byte) (string, error) {
	hasBOM := bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) ||
		bytes.HasPrefix(data, []byte{0xFF, 0xFE}) ||
		bytes.HasPrefix(data, []byte{0xFE, 0xFF})
	if !hasBOM && utf8.Valid(data) {
		return string(data), nil
	}

	var decoder transform.Transformer
	if hasBOM {
		// BOMOverride 根据 BOM 选择 UTF-8 或 UTF-16 并去掉 BOM
		decoder = unicode.BOMOverride(unicode.UTF8.NewDecoder())
	} else {
		decoder = charmap.Windows1252.NewDecoder()
	}
	out, _, err := transform.Bytes(decoder, data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
