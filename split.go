package linger

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// MaxMessageLen is the per-message character limit enforced by the chat
// platform.
const MaxMessageLen = 2000

// SplitMessage breaks text into pieces of at most limit runes. Prose is
// cut at paragraph breaks, then sentence ends, then line breaks, then
// spaces. Fenced code blocks are never cut mid-chunk: a fence that does
// not fit moves whole to the next piece, and a fence larger than the
// limit is split on line boundaries with the fence reopened (same
// language tag) in each piece.
func SplitMessage(s string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLen
	}
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}

	var chunks []string
	emit := func(piece string) {
		piece = strings.TrimRight(piece, "\n ")
		if strings.TrimSpace(piece) != "" {
			chunks = append(chunks, piece)
		}
	}

	var cur string
	for _, seg := range mdSegments(s) {
		segLen := utf8.RuneCountInString(seg.text)
		if utf8.RuneCountInString(cur)+segLen <= limit {
			cur += seg.text
			continue
		}

		if seg.fence {
			emit(cur)
			cur = ""
			if segLen <= limit {
				cur = seg.text
				continue
			}
			for _, piece := range splitFence(seg, limit) {
				emit(piece)
			}
			continue
		}

		rest := seg.text
		for {
			curLen := utf8.RuneCountInString(cur)
			if curLen+utf8.RuneCountInString(rest) <= limit {
				cur += rest
				break
			}
			cut := proseCut(rest, limit-curLen)
			if cut == 0 {
				if cur == "" {
					cut = len(runePrefix(rest, limit))
				} else {
					emit(cur)
					cur = ""
					continue
				}
			}
			emit(cur + rest[:cut])
			cur = ""
			rest = strings.TrimLeft(rest[cut:], " \n")
		}
	}
	emit(cur)
	return chunks
}

// mdSegment is a run of source text, either prose or one whole fenced
// code block (fence markers included).
type mdSegment struct {
	text  string
	fence bool
	lang  string
}

func mdSegments(s string) []mdSegment {
	src := []byte(s)
	ranges, langs := fencedRanges(src)
	var segs []mdSegment
	pos := 0
	for i, r := range ranges {
		if r[0] > pos {
			segs = append(segs, mdSegment{text: string(src[pos:r[0]])})
		}
		segs = append(segs, mdSegment{text: string(src[r[0]:r[1]]), fence: true, lang: langs[i]})
		pos = r[1]
	}
	if pos < len(src) {
		segs = append(segs, mdSegment{text: string(src[pos:])})
	}
	return segs
}

// fencedRanges locates fenced code blocks in src and returns their byte
// ranges, expanded to cover the fence delimiter lines.
func fencedRanges(src []byte) ([][2]int, []string) {
	doc := goldmark.New().Parser().Parse(gmtext.NewReader(src))
	var ranges [][2]int
	var langs []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fcb, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		lines := fcb.Lines()
		if lines.Len() == 0 {
			return ast.WalkContinue, nil
		}
		start := lineStart(src, lines.At(0).Start-1)
		stop := lineStop(src, lines.At(lines.Len()-1).Stop)
		ranges = append(ranges, [2]int{start, stop})
		langs = append(langs, string(fcb.Language(src)))
		return ast.WalkContinue, nil
	})
	return ranges, langs
}

func lineStart(src []byte, i int) int {
	if i <= 0 {
		return 0
	}
	return bytes.LastIndexByte(src[:i], '\n') + 1
}

func lineStop(src []byte, i int) int {
	if i >= len(src) {
		return len(src)
	}
	j := bytes.IndexByte(src[i:], '\n')
	if j < 0 {
		return len(src)
	}
	return i + j + 1
}

// proseCut returns the byte index of the best cut in s spending at most
// room runes, or 0 when no boundary fits.
func proseCut(s string, room int) int {
	if room <= 0 {
		return 0
	}
	prefix := runePrefix(s, room)
	for _, bound := range []string{"\n\n", ". ", ".\n", "! ", "!\n", "? ", "?\n", "\n", " "} {
		i := strings.LastIndex(prefix, bound)
		if i <= 0 {
			continue
		}
		switch bound {
		case "\n\n", "\n", " ":
			return i
		default:
			return i + 1
		}
	}
	return 0
}

// splitFence splits one oversized fenced block on line boundaries, closing
// and reopening the fence around each piece.
func splitFence(seg mdSegment, limit int) []string {
	open := "```" + seg.lang + "\n"
	const close_ = "\n```"
	budget := limit - utf8.RuneCountInString(open) - utf8.RuneCountInString(close_)
	if budget < 1 {
		budget = 1
	}

	var out []string
	var cur []string
	curLen := 0
	wrap := func() {
		if len(cur) > 0 {
			out = append(out, open+strings.Join(cur, "\n")+close_)
			cur = cur[:0]
			curLen = 0
		}
	}
	for _, ln := range strings.Split(fenceBody(seg.text), "\n") {
		for utf8.RuneCountInString(ln) > budget {
			wrap()
			cutb := len(runePrefix(ln, budget))
			out = append(out, open+ln[:cutb]+close_)
			ln = ln[cutb:]
		}
		lnLen := utf8.RuneCountInString(ln) + 1
		if curLen+lnLen > budget {
			wrap()
		}
		cur = append(cur, ln)
		curLen += lnLen
	}
	wrap()
	return out
}

// fenceBody strips the delimiter lines from a fenced block's source.
func fenceBody(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > 0 {
		head := strings.TrimSpace(lines[0])
		if strings.HasPrefix(head, "```") || strings.HasPrefix(head, "~~~") {
			lines = lines[1:]
		}
	}
	if n := len(lines); n > 0 {
		tail := strings.TrimSpace(lines[n-1])
		if tail == "```" || tail == "~~~" {
			lines = lines[:n-1]
		}
	}
	return strings.Join(lines, "\n")
}

func runePrefix(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
