// Package sanitize 把生成器流式输出的原始文本整理成可展示的诗行。
package sanitize

import (
	"regexp"
	"strings"
)

var (
	// "Stanza 2:"、"Line 1 -"、"Verse:" 这类标签前缀。没有编号时只认冒号，
	// 否则 "Line-dancing" 之类的正文会被误删。
	labelPrefix = regexp.MustCompile(`(?i)^(stanza|line|verse|couplet)\s*(\d+\s*[:.)\-–]|:)\s*`)
	// "1." / "2)" 编号前缀。
	numberPrefix = regexp.MustCompile(`^\d+[.)]\s+`)
	bulletPrefix = regexp.MustCompile(`^[-*•]\s+`)
	lineBreak    = regexp.MustCompile(`\r?\n`)
)

const quoteChars = "\"“”„«»"

// Line 清理单行：去掉首尾空白、引号、标签前缀和结尾冒号。
// 结果是不动点，Line(Line(s)) == Line(s)。strip 只会让字符串变短，循环必然结束。
func Line(s string) string {
	for {
		next := strip(s)
		if next == s {
			return s
		}
		s = next
	}
}

func strip(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, quoteChars)
	s = strings.TrimRight(s, quoteChars)
	// 单引号只在成对出现时去掉，避免吃掉 "dreamin'" 这类结尾撇号。
	if len(s) >= 2 && strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") {
		s = s[1 : len(s)-1]
	}
	if strings.HasPrefix(s, "‘") && strings.HasSuffix(s, "’") {
		s = strings.TrimSuffix(strings.TrimPrefix(s, "‘"), "’")
	}
	s = strings.TrimSpace(s)
	s = labelPrefix.ReplaceAllString(s, "")
	s = numberPrefix.ReplaceAllString(s, "")
	s = bulletPrefix.ReplaceAllString(s, "")
	s = strings.TrimRight(s, ":")
	return strings.TrimSpace(s)
}

// Lines 把缓冲区按行切分并清理，丢弃空行，最多返回 max 行。
func Lines(buffer string, max int) []string {
	out := make([]string, 0, max)
	for _, raw := range lineBreak.Split(buffer, -1) {
		if len(out) == max {
			break
		}
		line := Line(raw)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}
