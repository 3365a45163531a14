package ocr

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"

	"abroad-docs-go/pkg/apperr"
	"abroad-docs-go/pkg/log"
)

const (
	visionFeature = "DOCUMENT_TEXT_DETECTION"
	// files:annotate 同步接口单次最多处理 5 页
	visionMaxPDFPages = 5
)

// VisionProvider 调用 Google Cloud Vision 的 DOCUMENT_TEXT_DETECTION。
type VisionProvider struct {
	svc *vision.Service
}

// NewVisionProvider 使用 API Key 或服务账号凭证文件创建 Vision 客户端。
func NewVisionProvider(ctx context.Context, apiKey, credentialsFile string) (*VisionProvider, error) {
	var opts []option.ClientOption
	switch {
	case apiKey != "":
		opts = append(opts, option.WithAPIKey(apiKey))
	case credentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := vision.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("创建 Vision 客户端失败: %w", err)
	}
	return &VisionProvider{svc: svc}, nil
}

func (p *VisionProvider) Name() string { return ProviderVision }

// Recognize 识别图片；PDF 走 files:annotate，只取前 5 页。
func (p *VisionProvider) Recognize(ctx context.Context, data []byte, contentType, language string) (*Result, error) {
	content := base64.StdEncoding.EncodeToString(data)
	features := []*vision.Feature{{Type: visionFeature}}
	var imageCtx *vision.ImageContext
	if language != "" {
		imageCtx = &vision.ImageContext{LanguageHints: []string{visionLanguage(language)}}
	}

	log.Infof("[OCR] 调用 Cloud Vision 识别, contentType: %s, size: %d", contentType, len(data))
	var responses []*vision.AnnotateImageResponse
	if strings.HasPrefix(contentType, "application/pdf") {
		pages := make([]int64, visionMaxPDFPages)
		for i := range pages {
			pages[i] = int64(i + 1)
		}
		req := &vision.BatchAnnotateFilesRequest{
			Requests: []*vision.AnnotateFileRequest{{
				InputConfig:  &vision.InputConfig{Content: content, MimeType: "application/pdf"},
				Features:     features,
				ImageContext: imageCtx,
				Pages:        pages,
			}},
		}
		resp, err := p.svc.Files.Annotate(req).Context(ctx).Do()
		if err != nil {
			return nil, apperr.Provider(ProviderVision, err.Error(), err)
		}
		for _, fr := range resp.Responses {
			if fr.Error != nil {
				return nil, apperr.Provider(ProviderVision, fr.Error.Message, nil)
			}
			responses = append(responses, fr.Responses...)
		}
	} else {
		req := &vision.BatchAnnotateImagesRequest{
			Requests: []*vision.AnnotateImageRequest{{
				Image:        &vision.Image{Content: content},
				Features:     features,
				ImageContext: imageCtx,
			}},
		}
		resp, err := p.svc.Images.Annotate(req).Context(ctx).Do()
		if err != nil {
			return nil, apperr.Provider(ProviderVision, err.Error(), err)
		}
		responses = resp.Responses
	}

	res := &Result{Provider: ProviderVision}
	var texts []string
	for _, r := range responses {
		if r == nil {
			continue
		}
		if r.Error != nil {
			return nil, apperr.Provider(ProviderVision, r.Error.Message, nil)
		}
		if r.FullTextAnnotation == nil {
			continue
		}
		texts = append(texts, strings.TrimSpace(r.FullTextAnnotation.Text))
		res.Blocks = append(res.Blocks, visionBlocks(r.FullTextAnnotation)...)
	}
	res.Text = strings.TrimSpace(strings.Join(texts, "\n\n"))
	res.Confidence = averageConfidence(res.Blocks)
	return res, nil
}

// visionBlocks 把 Vision 的段落与词转换为 line/word 两级块，置信度从 0~1 换算到 0~100。
func visionBlocks(ann *vision.TextAnnotation) []Block {
	var out []Block
	for _, page := range ann.Pages {
		for _, block := range page.Blocks {
			for _, para := range block.Paragraphs {
				var words []string
				var wordBlocks []Block
				for _, w := range para.Words {
					var sb strings.Builder
					for _, s := range w.Symbols {
						sb.WriteString(s.Text)
					}
					text := sb.String()
					if text == "" {
						continue
					}
					words = append(words, text)
					wordBlocks = append(wordBlocks, Block{
						Level:      "word",
						Text:       text,
						Confidence: w.Confidence * 100,
						BBox:       polyToBox(w.BoundingBox),
					})
				}
				if len(words) == 0 {
					continue
				}
				out = append(out, Block{
					Level:      "line",
					Text:       strings.Join(words, " "),
					Confidence: para.Confidence * 100,
					BBox:       polyToBox(para.BoundingBox),
				})
				out = append(out, wordBlocks...)
			}
		}
	}
	return out
}

func polyToBox(poly *vision.BoundingPoly) BoundingBox {
	if poly == nil {
		return BoundingBox{}
	}
	var box BoundingBox
	first := true
	for _, v := range poly.Vertices {
		if v == nil {
			continue
		}
		if first {
			box = BoundingBox{X0: int(v.X), Y0: int(v.Y), X1: int(v.X), Y1: int(v.Y)}
			first = false
			continue
		}
		box.X0 = minInt(box.X0, int(v.X))
		box.Y0 = minInt(box.Y0, int(v.Y))
		box.X1 = maxInt(box.X1, int(v.X))
		box.Y1 = maxInt(box.Y1, int(v.Y))
	}
	return box
}

// visionLanguage 把 Tesseract 风格的三字母语言码转换为 Vision 使用的 BCP-47 码。
func visionLanguage(lang string) string {
	switch strings.ToLower(lang) {
	case "eng":
		return "en"
	case "chi_sim":
		return "zh"
	case "chi_tra":
		return "zh-TW"
	case "fra":
		return "fr"
	case "deu":
		return "de"
	case "spa":
		return "es"
	case "jpn":
		return "ja"
	case "kor":
		return "ko"
	}
	return lang
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
