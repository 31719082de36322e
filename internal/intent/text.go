package intent

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sanitize 清理非法 UTF-8、控制字符与首尾空白。
func sanitize(text string) string {
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(text)
}

func toLower(r rune) rune {
	return unicode.ToLower(r)
}

func hasPrefixFold(text, prefix []rune) bool {
	if len(prefix) == 0 || len(text) < len(prefix) {
		return false
	}
	for i, r := range prefix {
		if unicode.ToLower(text[i]) != r {
			return false
		}
	}
	return true
}

func isASCIIWord(runes []rune) bool {
	for _, r := range runes {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return len(runes) > 0
}

func isWordRune(r rune) bool {
	return r <= unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))
}

// wordBoundary 判断 [start,end) 两侧是否为 ASCII 单词边界。
func wordBoundary(runes []rune, start, end int) bool {
	if start > 0 && isWordRune(runes[start-1]) {
		return false
	}
	if end < len(runes) && isWordRune(runes[end]) {
		return false
	}
	return true
}

// containsCue 判断文本是否包含提示词；ASCII 提示词按整词匹配。
func containsCue(lowerRunes []rune, cue string) bool {
	cueRunes := []rune(strings.ToLower(cue))
	if len(cueRunes) == 0 {
		return false
	}
	ascii := isASCIIWord([]rune(strings.ReplaceAll(cue, " ", "")))
	for i := 0; i+len(cueRunes) <= len(lowerRunes); i++ {
		if !hasPrefixFold(lowerRunes[i:], cueRunes) {
			continue
		}
		if ascii && !wordBoundary(lowerRunes, i, i+len(cueRunes)) {
			continue
		}
		return true
	}
	return false
}

// overlaps 判断区间是否与已占用区间重叠。
func overlaps(taken []span, start, end int) bool {
	for _, s := range taken {
		if start < s.end && end > s.start {
			return true
		}
	}
	return false
}
