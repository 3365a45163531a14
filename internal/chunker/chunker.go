// Package chunker 将规范化后的文本切分为带重叠的分块。
//
// 所有分块都是原文的连续片段，StartChar/EndChar 为 rune 偏移，
// 因此拼接分块内容（不去重叠）总能覆盖原文。
package chunker

import (
	"regexp"
	"sort"
	"strings"

	"abroad-docs-go/pkg/apperr"
)

// Strategy 是分块策略。
type Strategy string

const (
	StrategyFixed     Strategy = "fixed"
	StrategyRecursive Strategy = "recursive"
	StrategyParagraph Strategy = "paragraph"
	StrategySentence  Strategy = "sentence"
)

// DefaultSeparators 是 recursive 策略的分隔符层级，从粗到细。
var DefaultSeparators = []string{"\n\n", "\n", ". ", " "}

// Config 是分块参数，长度均以 rune 计。
type Config struct {
	Strategy     Strategy
	ChunkSize    int
	ChunkOverlap int
	MinChunkSize int
	MaxChunkSize int
	Separators   []string
}

// DefaultConfig 返回 recursive / 1000 / 200 / 100 的默认配置。
func DefaultConfig() Config {
	return Config{
		Strategy:     StrategyRecursive,
		ChunkSize:    1000,
		ChunkOverlap: 200,
		MinChunkSize: 100,
		MaxChunkSize: 1000,
		Separators:   DefaultSeparators,
	}
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyRecursive
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = c.ChunkSize
	}
	if len(c.Separators) == 0 {
		c.Separators = DefaultSeparators
	}
	return c
}

// Validate 校验参数组合是否合法。
func (c Config) Validate() error {
	c = c.withDefaults()
	switch c.Strategy {
	case StrategyFixed, StrategyRecursive, StrategyParagraph, StrategySentence:
	default:
		return apperr.Validation("unknown chunk strategy %q", c.Strategy)
	}
	if c.ChunkSize <= 0 {
		return apperr.Validation("chunkSize must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return apperr.Validation("chunkOverlap must be in [0, chunkSize), got %d", c.ChunkOverlap)
	}
	if c.MinChunkSize < 0 || c.MinChunkSize > c.ChunkSize {
		return apperr.Validation("minChunkSize must be in [0, chunkSize], got %d", c.MinChunkSize)
	}
	if c.MaxChunkSize < c.ChunkSize {
		return apperr.Validation("maxChunkSize must be >= chunkSize, got %d", c.MaxChunkSize)
	}
	return nil
}

// Chunk 是一个分块及其在原文中的位置。
type Chunk struct {
	Index     int
	Content   string
	StartChar int
	EndChar   int
}

// Chunker 按配置切分文本，可并发使用。
type Chunker struct {
	cfg Config
}

// New 校验配置并创建 Chunker。
func New(cfg Config) (*Chunker, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

// Config 返回补全默认值后的配置。
func (c *Chunker) Config() Config {
	return c.cfg
}

type span struct {
	start, end int
}

func (s span) len() int { return s.end - s.start }

// Split 切分文本。空白文本返回 nil；不超过 chunkSize 的文本恰好返回一个分块。
func (c *Chunker) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	n := len(runes)
	if n <= c.cfg.ChunkSize {
		return []Chunk{{Index: 0, Content: text, StartChar: 0, EndChar: n}}
	}

	var spans []span
	greedy := false
	switch c.cfg.Strategy {
	case StrategyFixed:
		spans = c.fixedSpans(n)
	case StrategyRecursive:
		units := c.recursiveUnits(runes, 0, n, c.cfg.Separators)
		spans = c.pack(n, unitEnds(units), unitStarts(units), false)
	case StrategyParagraph:
		greedy = true
		units := c.paragraphUnits(runes)
		boundaries := mergeSorted(unitStarts(units), unitStarts(sentenceSpans(runes, 0, n)))
		spans = c.pack(n, unitEnds(units), boundaries, true)
	case StrategySentence:
		greedy = true
		units := c.capUnits(sentenceSpans(runes, 0, n))
		spans = c.pack(n, unitEnds(units), unitStarts(units), true)
	}

	chunks := make([]Chunk, 0, len(spans))
	for i, sp := range spans {
		last := i == len(spans)-1
		// 贪心策略总是保留最后的余量
		if sp.len() < c.cfg.MinChunkSize && !(greedy && last) {
			continue
		}
		content := string(runes[sp.start:sp.end])
		if strings.TrimSpace(content) == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			Content:   content,
			StartChar: sp.start,
			EndChar:   sp.end,
		})
	}
	return chunks
}

// fixedSpans 以 chunkSize-chunkOverlap 为步长滑动窗口。
func (c *Chunker) fixedSpans(n int) []span {
	step := c.cfg.ChunkSize - c.cfg.ChunkOverlap
	var out []span
	for start := 0; start < n; start += step {
		end := minInt(start+c.cfg.ChunkSize, n)
		out = append(out, span{start, end})
		if end == n {
			break
		}
	}
	widenTail(out, c.cfg.MinChunkSize)
	return out
}

// recursiveUnits 按分隔符层级切分，只有片段仍超过 maxChunkSize 时才下探更细的分隔符，
// 所有分隔符都无效时退化为固定窗口强制切分。
func (c *Chunker) recursiveUnits(runes []rune, start, end int, seps []string) []span {
	if end-start <= c.cfg.MaxChunkSize {
		return []span{{start, end}}
	}
	for i, sep := range seps {
		pieces := splitKeepSep(runes, start, end, []rune(sep))
		if len(pieces) <= 1 {
			continue
		}
		var out []span
		for _, p := range pieces {
			if p.len() > c.cfg.MaxChunkSize {
				out = append(out, c.recursiveUnits(runes, p.start, p.end, seps[i+1:])...)
			} else {
				out = append(out, p)
			}
		}
		return out
	}
	return windows(start, end, c.cfg.ChunkSize)
}

func (c *Chunker) paragraphUnits(runes []rune) []span {
	var out []span
	for _, p := range splitKeepSep(runes, 0, len(runes), []rune("\n\n")) {
		if p.len() > c.cfg.MaxChunkSize {
			out = append(out, c.capUnits(sentenceSpans(runes, p.start, p.end))...)
			continue
		}
		out = append(out, p)
	}
	return out
}

// capUnits 将超过 maxChunkSize 的单元按固定窗口拆开。
func (c *Chunker) capUnits(units []span) []span {
	out := make([]span, 0, len(units))
	for _, u := range units {
		if u.len() > c.cfg.MaxChunkSize {
			out = append(out, windows(u.start, u.end, c.cfg.ChunkSize)...)
			continue
		}
		out = append(out, u)
	}
	return out
}

// pack 把连续单元贪心地装入不超过 chunkSize 的分块。
// cuts 为允许切开的位置（单元结尾，升序，最后一个为 n）；
// boundaries 为重叠区可以对齐的起点。
func (c *Chunker) pack(n int, cuts, boundaries []int, greedy bool) []span {
	size, maxSize, minSize := c.cfg.ChunkSize, c.cfg.MaxChunkSize, c.cfg.MinChunkSize
	var out []span
	start, lastEnd := 0, 0
	for start < n {
		end := farthestCut(cuts, start, start+size)
		if end <= start {
			next := firstCutAfter(cuts, start)
			if next-start <= maxSize {
				end = next
			} else {
				end = start + size
			}
		}
		if end <= lastEnd && start < lastEnd {
			// 带上重叠后放不下下一个单元，放弃这次重叠
			start = lastEnd
			continue
		}
		if end-start < minSize && end < n {
			end = minInt(start+size, n)
		}
		out = append(out, span{start, end})
		lastEnd = end
		if end >= n {
			break
		}
		start = c.overlapStart(start, end, boundaries, greedy)
	}
	if !greedy {
		widenTail(out, minSize)
	}
	return out
}

// overlapStart 计算下一个分块的起点：尽量对齐到重叠窗口内最早的边界。
func (c *Chunker) overlapStart(start, end int, boundaries []int, greedy bool) int {
	if c.cfg.ChunkOverlap == 0 {
		return end
	}
	candidate := maxInt(end-c.cfg.ChunkOverlap, start+1)
	i := sort.SearchInts(boundaries, candidate)
	if i < len(boundaries) && boundaries[i] < end {
		return boundaries[i]
	}
	if greedy {
		return candidate
	}
	return end
}

// widenTail 把不足 minSize 的末尾分块向前扩展，起点不早于前一个分块。
func widenTail(spans []span, minSize int) {
	if len(spans) < 2 {
		return
	}
	last := &spans[len(spans)-1]
	if last.len() >= minSize {
		return
	}
	prev := spans[len(spans)-2]
	last.start = maxInt(prev.start, last.end-minSize)
}

func splitKeepSep(runes []rune, start, end int, sep []rune) []span {
	if len(sep) == 0 {
		return []span{{start, end}}
	}
	var out []span
	pieceStart := start
	for i := start; i+len(sep) <= end; {
		if matchAt(runes, i, sep) {
			out = append(out, span{pieceStart, i + len(sep)})
			pieceStart = i + len(sep)
			i = pieceStart
			continue
		}
		i++
	}
	if pieceStart < end {
		out = append(out, span{pieceStart, end})
	}
	return out
}

func matchAt(runes []rune, i int, sep []rune) bool {
	for j, r := range sep {
		if runes[i+j] != r {
			return false
		}
	}
	return true
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// sentenceSpans 在句末标点后的空白处或换行处断句，空白归属前一句。
func sentenceSpans(runes []rune, start, end int) []span {
	var out []span
	sentStart := start
	i := start
	for i < end {
		r := runes[i]
		boundary := false
		switch {
		case r == '\n':
			boundary = true
		case isTerminal(r) && (i+1 == end || isSpace(runes[i+1]) || r == '。' || r == '！' || r == '？'):
			boundary = true
		}
		i++
		if !boundary {
			continue
		}
		for i < end && isSpace(runes[i]) {
			i++
		}
		out = append(out, span{sentStart, i})
		sentStart = i
	}
	if sentStart < end {
		out = append(out, span{sentStart, end})
	}
	return out
}

func windows(start, end, size int) []span {
	var out []span
	for s := start; s < end; s += size {
		out = append(out, span{s, minInt(s+size, end)})
	}
	return out
}

func unitStarts(units []span) []int {
	out := make([]int, len(units))
	for i, u := range units {
		out[i] = u.start
	}
	return out
}

func unitEnds(units []span) []int {
	out := make([]int, len(units))
	for i, u := range units {
		out[i] = u.end
	}
	return out
}

func mergeSorted(a, b []int) []int {
	out := append(append(make([]int, 0, len(a)+len(b)), a...), b...)
	sort.Ints(out)
	return out
}

// farthestCut 返回 (start, limit] 内最大的切点，不存在时返回 start。
func farthestCut(cuts []int, start, limit int) int {
	i := sort.SearchInts(cuts, limit+1) - 1
	if i < 0 || cuts[i] <= start {
		return start
	}
	return cuts[i]
}

func firstCutAfter(cuts []int, start int) int {
	i := sort.SearchInts(cuts, start+1)
	if i >= len(cuts) {
		return cuts[len(cuts)-1]
	}
	return cuts[i]
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

var (
	excessBlankLines = regexp.MustCompile(`\n{3,}`)
	trailingSpaces   = regexp.MustCompile(`[ \t]+\n`)
)

// Normalize 统一换行、去掉行尾空白并把三个以上的连续换行压缩为两个。
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\x00", "")
	text = trailingSpaces.ReplaceAllString(text, "\n")
	text = excessBlankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
