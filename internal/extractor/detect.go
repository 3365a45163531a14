package extractor

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"abroad-docs-go/internal/model"
)

var extensionTypes = map[string]model.DocType{
	".pdf":      model.DocTypePDF,
	".docx":     model.DocTypeDOCX,
	".txt":      model.DocTypeText,
	".text":     model.DocTypeText,
	".md":       model.DocTypeMarkdown,
	".markdown": model.DocTypeMarkdown,
	".html":     model.DocTypeHTML,
	".htm":      model.DocTypeHTML,
	".png":      model.DocTypeImage,
	".jpg":      model.DocTypeImage,
	".jpeg":     model.DocTypeImage,
	".tif":      model.DocTypeImage,
	".tiff":     model.DocTypeImage,
	".bmp":      model.DocTypeImage,
	".webp":     model.DocTypeImage,
	".gif":      model.DocTypeImage,
	".doc":      model.DocTypeOffice,
	".pptx":     model.DocTypeOffice,
	".ppt":      model.DocTypeOffice,
	".xlsx":     model.DocTypeOffice,
	".xls":      model.DocTypeOffice,
	".odt":      model.DocTypeOffice,
	".rtf":      model.DocTypeOffice,
}

var mimeTypes = map[string]model.DocType{
	"application/pdf": model.DocTypePDF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   model.DocTypeDOCX,
	"text/html":          model.DocTypeHTML,
	"text/markdown":      model.DocTypeMarkdown,
	"application/msword": model.DocTypeOffice,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": model.DocTypeOffice,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         model.DocTypeOffice,
	"application/vnd.ms-powerpoint":           model.DocTypeOffice,
	"application/vnd.ms-excel":                model.DocTypeOffice,
	"application/vnd.oasis.opendocument.text": model.DocTypeOffice,
	"text/rtf":                                model.DocTypeOffice,
}

// Detect 根据内容嗅探 MIME 类型并映射为 DocType。
// 嗅探结果过于宽泛（text/plain、zip、octet-stream）时参考文件扩展名。
func Detect(data []byte, fileName string) (string, model.DocType) {
	detected := mimetype.Detect(data)
	mimeType := baseType(detected.String())
	ext := strings.ToLower(filepath.Ext(fileName))
	byExt, extKnown := extensionTypes[ext]

	if t, ok := mimeTypes[mimeType]; ok {
		return mimeType, t
	}
	if strings.HasPrefix(mimeType, "image/") {
		return mimeType, model.DocTypeImage
	}
	if strings.HasPrefix(mimeType, "text/") {
		if extKnown && (byExt == model.DocTypeMarkdown || byExt == model.DocTypeHTML || byExt == model.DocTypeText) {
			return mimeForExt(ext, mimeType), byExt
		}
		return mimeType, model.DocTypeText
	}
	// Office 文件常被嗅探为 zip 或 OLE 容器
	if extKnown && (byExt == model.DocTypeOffice || byExt == model.DocTypeDOCX) {
		return mimeForExt(ext, mimeType), byExt
	}
	return mimeType, model.DocTypeUnknown
}

func baseType(m string) string {
	t, _, err := mime.ParseMediaType(m)
	if err != nil {
		return m
	}
	return t
}

func mimeForExt(ext, fallback string) string {
	if ext == ".md" || ext == ".markdown" {
		return "text/markdown"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return baseType(t)
	}
	return fallback
}
