// Package apperr 定义了文档处理与检索链路中使用的错误分类。
package apperr

import (
	"errors"
	"fmt"
)

// Kind 标识错误所属的类别，handler 据此映射 HTTP 状态码。
type Kind string

const (
	KindValidation   Kind = "validation"
	KindExtraction   Kind = "extraction"
	KindEmptyContent Kind = "empty_content"
	KindProvider     Kind = "provider"
	KindNotFound     Kind = "not_found"
	KindUnsupported  Kind = "unsupported_operation"
	KindInternal     Kind = "internal"
)

// Error 是带类别的业务错误。
type Error struct {
	Kind Kind
	// Provider 仅在 KindProvider 时有值，例如 "openai"、"vision"。
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Provider != "" {
		prefix = fmt.Sprintf("%s(%s)", e.Kind, e.Provider)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, &Error{Kind: k}) 按类别匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Provider == "" || t.Provider == e.Provider)
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// UnsupportedType 表示检测到的文件类型没有注册的提取器。
func UnsupportedType(docType string) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf("unsupported file type: %s", docType)}
}

func Extraction(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindExtraction, Message: fmt.Sprintf(format, args...), Err: err}
}

func EmptyContent(format string, args ...interface{}) *Error {
	return &Error{Kind: KindEmptyContent, Message: fmt.Sprintf(format, args...)}
}

// Provider 包装上游服务（embedding / OCR / rerank）返回的错误，保留服务名与上游信息。
func Provider(provider, upstream string, err error) *Error {
	return &Error{Kind: KindProvider, Provider: provider, Message: upstream, Err: err}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Unsupported(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnsupported, Message: fmt.Sprintf(format, args...)}
}

// KindOf 返回错误链中第一个 *Error 的类别，没有时返回 KindInternal。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind 判断错误链中是否包含指定类别的错误。
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
