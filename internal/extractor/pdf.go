package extractor

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"abroad-docs-go/pkg/log"
)

const (
	// 每页可见字符少于该值时认为是扫描件。
	minCharsPerPage = 50
	// 控制字符、替换字符和私用区字符占比超过该值时认为字体映射失败。
	maxGarbledRatio = 0.1
)

// PDFExtractor 用 pdfcpu 校验文件并统计页数，用 ledongthuc/pdf 按字体编码与 ToUnicode 映射解码文本。
// 解析失败、结果为空或乱码时，若配置了 Tika 则交给 Tika 再试一次。
type PDFExtractor struct {
	fallback TextExtractorClient
}

func NewPDFExtractor(fallback TextExtractorClient) *PDFExtractor {
	return &PDFExtractor{fallback: fallback}
}

func (e *PDFExtractor) Extract(ctx context.Context, data []byte, fileName string) (*Result, error) {
	pageCount, err := pdfPageCount(data)
	if err != nil {
		if e.fallback == nil {
			return nil, fmt.Errorf("parse pdf: %w", err)
		}
		log.Warnf("[Extractor] pdfcpu 解析失败，改用 Tika: file=%s, err=%v", fileName, err)
		return e.viaFallback(ctx, data, fileName, 0)
	}

	text, err := pdfPlainText(data)
	if err != nil {
		log.Warnf("[Extractor] PDF 文本解码失败: file=%s, err=%v", fileName, err)
		text = ""
	}
	return e.finish(ctx, data, fileName, text, pageCount)
}

// finish 检查解码结果：空文本或乱码优先交给 Tika，否则按文本密度决定是否需要 OCR。
func (e *PDFExtractor) finish(ctx context.Context, data []byte, fileName, text string, pageCount int) (*Result, error) {
	text = strings.TrimSpace(text)
	bad := garbled(text)
	if (text == "" || bad) && e.fallback != nil {
		if bad {
			log.Warnf("[Extractor] PDF 文本疑似乱码，改用 Tika: file=%s", fileName)
		}
		return e.viaFallback(ctx, data, fileName, pageCount)
	}
	if bad {
		// 乱码不进入索引，交给 OCR
		log.Warnf("[Extractor] PDF 文本疑似乱码，丢弃并等待 OCR: file=%s", fileName)
		text = ""
	}
	return &Result{
		Text:      text,
		NeedsOCR:  sparse(text, pageCount),
		PageCount: pageCount,
		Method:    "pdf",
	}, nil
}

func (e *PDFExtractor) viaFallback(ctx context.Context, data []byte, fileName string, pageCount int) (*Result, error) {
	text, err := e.fallback.ExtractText(ctx, data, fileName)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if garbled(text) {
		text = ""
	}
	return &Result{
		Text:      text,
		NeedsOCR:  sparse(text, pageCount),
		PageCount: pageCount,
		Method:    "tika",
	}, nil
}

// sparse 判断文本是否过少或无法使用，需要 OCR。
func sparse(text string, pageCount int) bool {
	if garbled(text) {
		return true
	}
	if pageCount < 1 {
		pageCount = 1
	}
	visible := 0
	for _, r := range text {
		if !unicode.IsSpace(r) && unicode.IsPrint(r) {
			visible++
		}
	}
	return visible < minCharsPerPage*pageCount
}

// garbled 报告文本中无法显示的字符是否过多。字体缺少 ToUnicode 映射时常见字形编号夹杂 NUL 的输出。
func garbled(text string) bool {
	total, bad := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if r == unicode.ReplacementChar || unicode.IsControl(r) || unicode.Is(unicode.Co, r) {
			bad++
		}
	}
	return total > 0 && float64(bad) > maxGarbledRatio*float64(total)
}

func pdfPageCount(data []byte) (int, error) {
	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed
	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return 0, err
	}
	return pctx.PageCount, nil
}

// pdfPlainText 逐页解码文本，页与页之间空一行。
func pdfPlainText(data []byte) (text string, err error) {
	// 畸形文件会让解析库 panic
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("decode pdf text: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	pages := make([]string, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, strings.TrimSpace(content))
	}
	return strings.Join(pages, "\n\n"), nil
}
