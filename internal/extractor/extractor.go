// Package extractor 按文档类型分派到具体的文本提取器。
package extractor

import (
	"context"
	"sort"
	"sync"

	"abroad-docs-go/internal/model"
	"abroad-docs-go/pkg/apperr"
)

// Result 是一次提取的输出。NeedsOCR 表示提取结果近乎为空，应交给 OCR 兜底。
type Result struct {
	Text      string
	NeedsOCR  bool
	PageCount int
	Method    string
}

// Extractor 从文件字节中提取原始文本。
type Extractor interface {
	Extract(ctx context.Context, data []byte, fileName string) (*Result, error)
}

// Registry 维护 DocType 到 Extractor 的映射。
type Registry struct {
	mu         sync.RWMutex
	extractors map[model.DocType]Extractor
}

// NewRegistry 创建空的注册表。
func NewRegistry() *Registry {
	return &Registry{extractors: make(map[model.DocType]Extractor)}
}

// NewDefaultRegistry 注册内置提取器；tika 不为 nil 时额外支持 Office 格式并作为 PDF 的二次解析器。
func NewDefaultRegistry(tika TextExtractorClient) *Registry {
	r := NewRegistry()
	text := NewTextExtractor()
	r.Register(model.DocTypeText, text)
	r.Register(model.DocTypeMarkdown, text)
	r.Register(model.DocTypeHTML, text)
	r.Register(model.DocTypeDOCX, NewDOCXExtractor())
	r.Register(model.DocTypeImage, ImageExtractor{})
	r.Register(model.DocTypePDF, NewPDFExtractor(tika))
	if tika != nil {
		r.Register(model.DocTypeOffice, NewTikaExtractor(tika))
	}
	return r
}

// Register 注册或替换某个类型的提取器。
func (r *Registry) Register(t model.DocType, e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[t] = e
}

// Supports 报告该类型是否有提取器。
func (r *Registry) Supports(t model.DocType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.extractors[t]
	return ok
}

// SupportedTypes 返回已注册的类型，按字母序。
func (r *Registry) SupportedTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.extractors))
	for t := range r.extractors {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// Extract 分派到对应类型的提取器，提取器自身的错误统一包装为 ExtractionError。
func (r *Registry) Extract(ctx context.Context, t model.DocType, data []byte, fileName string) (*Result, error) {
	r.mu.RLock()
	e, ok := r.extractors[t]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.Extraction(nil, "no extractor registered for type %s", t)
	}
	res, err := e.Extract(ctx, data, fileName)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return nil, err
		}
		return nil, apperr.Extraction(err, "extract %s", fileName)
	}
	return res, nil
}

// ImageExtractor 不做提取，图片总是交给 OCR。
type ImageExtractor struct{}

func (ImageExtractor) Extract(context.Context, []byte, string) (*Result, error) {
	return &Result{NeedsOCR: true, PageCount: 1, Method: "image"}, nil
}
