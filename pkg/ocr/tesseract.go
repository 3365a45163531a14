package ocr

import (
	"context"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"abroad-docs-go/pkg/apperr"
	"abroad-docs-go/pkg/log"
	"abroad-docs-go/pkg/tika"
)

// hocrRecognizer 是 Tika 客户端中 OCR 所需的部分。
type hocrRecognizer interface {
	RecognizeHOCR(ctx context.Context, data []byte, contentType, language string) (string, error)
}

// TesseractProvider 通过 Tika 服务器调用 Tesseract，并解析其 hOCR 输出。
type TesseractProvider struct {
	client hocrRecognizer
}

// NewTesseractProvider 创建基于 Tika 的 Tesseract 提供方。
func NewTesseractProvider(client *tika.Client) *TesseractProvider {
	return &TesseractProvider{client: client}
}

func (p *TesseractProvider) Name() string { return ProviderTesseract }

// Recognize 识别图片或扫描版 PDF。
func (p *TesseractProvider) Recognize(ctx context.Context, data []byte, contentType, language string) (*Result, error) {
	if language == "" {
		language = "eng"
	}
	log.Infof("[OCR] 调用 Tesseract 识别, contentType: %s, language: %s, size: %d", contentType, language, len(data))
	doc, err := p.client.RecognizeHOCR(ctx, data, contentType, language)
	if err != nil {
		return nil, apperr.Provider(ProviderTesseract, err.Error(), err)
	}
	res, err := ParseHOCR(doc)
	if err != nil {
		return nil, apperr.Provider(ProviderTesseract, "invalid hOCR output", err)
	}
	res.Provider = ProviderTesseract
	log.Infof("[OCR] Tesseract 识别完成, 行数: %d, 置信度: %.1f", countLevel(res.Blocks, "line"), res.Confidence)
	return res, nil
}

// ParseHOCR 解析 hOCR 文档中的 ocr_line / ocrx_word 元素。
// 词的 title 形如 "bbox 10 20 110 40; x_wconf 93"。
func ParseHOCR(doc string) (*Result, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, err
	}

	res := &Result{}
	var lines []string
	var walk func(n *html.Node, line *lineAcc)
	walk = func(n *html.Node, line *lineAcc) {
		if n.Type == html.ElementNode {
			classes := attr(n, "class")
			switch {
			case hasClass(classes, "ocr_line") || hasClass(classes, "ocr_caption") || hasClass(classes, "ocr_header"):
				acc := &lineAcc{bbox: parseBBox(attr(n, "title"))}
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					walk(c, acc)
				}
				text := strings.Join(acc.words, " ")
				if text == "" {
					return
				}
				lines = append(lines, text)
				res.Blocks = append(res.Blocks, Block{
					Level:      "line",
					Text:       text,
					Confidence: acc.confidence(),
					BBox:       acc.bbox,
				})
				res.Blocks = append(res.Blocks, acc.blocks...)
				return
			case hasClass(classes, "ocrx_word"):
				word := strings.TrimSpace(textContent(n))
				if word == "" || line == nil {
					return
				}
				title := attr(n, "title")
				b := Block{Level: "word", Text: word, Confidence: parseConfidence(title), BBox: parseBBox(title)}
				line.words = append(line.words, word)
				line.blocks = append(line.blocks, b)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, line)
		}
	}
	walk(root, nil)

	res.Text = strings.Join(lines, "\n")
	res.Confidence = averageConfidence(res.Blocks)
	return res, nil
}

type lineAcc struct {
	bbox   BoundingBox
	words  []string
	blocks []Block
}

func (l *lineAcc) confidence() float64 {
	return averageConfidence(l.blocks)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(classes, class string) bool {
	for _, c := range strings.Fields(classes) {
		if c == class {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

// titleField 返回 title 中以 key 开头的字段的参数。
func titleField(title, key string) []string {
	for _, part := range strings.Split(title, ";") {
		fields := strings.Fields(part)
		if len(fields) > 0 && fields[0] == key {
			return fields[1:]
		}
	}
	return nil
}

func parseBBox(title string) BoundingBox {
	f := titleField(title, "bbox")
	if len(f) != 4 {
		return BoundingBox{}
	}
	var v [4]int
	for i := range f {
		n, err := strconv.Atoi(f[i])
		if err != nil {
			return BoundingBox{}
		}
		v[i] = n
	}
	return BoundingBox{X0: v[0], Y0: v[1], X1: v[2], Y1: v[3]}
}

func parseConfidence(title string) float64 {
	f := titleField(title, "x_wconf")
	if len(f) != 1 {
		return 0
	}
	v, err := strconv.ParseFloat(f[0], 64)
	if err != nil {
		return 0
	}
	return v
}

func countLevel(blocks []Block, level string) int {
	n := 0
	for _, b := range blocks {
		if b.Level == level {
			n++
		}
	}
	return n
}
