package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	shortChunkChars        = 50
	maxWhitespaceRatio     = 0.5
	shortChunkPenalty      = 0.3
	midSentencePenalty     = 0.2
	noTerminalPenalty      = 0.2
	whitespaceHeavyPenalty = 0.3
)

// QualityScore 给分块打 0~1 的质量分：过短、以小写字母开头（句中截断）、
// 结尾没有终止标点、空白占比超过一半都会扣分。
func QualityScore(content string) float64 {
	score := 1.0
	total := utf8.RuneCountInString(content)
	if total == 0 {
		return 0
	}
	if total < shortChunkChars {
		score -= shortChunkPenalty
	}

	trimmed := strings.TrimSpace(content)
	if first, _ := utf8.DecodeRuneInString(trimmed); unicode.IsLower(first) {
		score -= midSentencePenalty
	}
	if last, _ := utf8.DecodeLastRuneInString(trimmed); !endsSentence(last) {
		score -= noTerminalPenalty
	}

	spaces := 0
	for _, r := range content {
		if unicode.IsSpace(r) {
			spaces++
		}
	}
	if float64(spaces)/float64(total) > maxWhitespaceRatio {
		score -= whitespaceHeavyPenalty
	}

	if score < 0 {
		return 0
	}
	return score
}

func endsSentence(r rune) bool {
	if isTerminal(r) {
		return true
	}
	switch r {
	case '"', '\'', ')', '”', '’', '」':
		return true
	}
	return false
}
