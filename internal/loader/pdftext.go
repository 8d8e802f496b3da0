package loader

import (
	"bytes"
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// tjSpaceThreshold is the TJ kerning adjustment (thousandths of an em) below
// which a gap is rendered as a space.
const tjSpaceThreshold = -200

// decodeContentStream recovers the visible text of a page content stream by
// interpreting its text-showing operators. Strings are decoded through the
// font selected by the last Tf; fonts maps resource names (without the
// leading slash) and may be nil. Layout is approximated: text objects and
// line moves become newlines, wide TJ gaps become spaces.
func decodeContentStream(stream []byte, fonts map[string]*pdfFont) string {
	if len(stream) == 0 {
		return ""
	}
	s := &streamScanner{data: stream}
	var (
		out      strings.Builder
		operands []operand
		font     *pdfFont
	)
	newline := func() {
		if out.Len() > 0 && !strings.HasSuffix(out.String(), "\n") {
			out.WriteByte('\n')
		}
	}
	lastString := func() string {
		for i := len(operands) - 1; i >= 0; i-- {
			if operands[i].kind == operandString {
				return font.decode(operands[i].raw)
			}
		}
		return ""
	}

	for {
		tok, ok := s.next()
		if !ok {
			break
		}
		if tok.kind != operandOperator {
			operands = append(operands, tok)
			continue
		}
		switch tok.text {
		case "Tf":
			if len(operands) >= 2 && strings.HasPrefix(operands[len(operands)-2].text, "/") {
				font = fonts[strings.TrimPrefix(operands[len(operands)-2].text, "/")]
			}
		case "Tj":
			out.WriteString(lastString())
		case "TJ":
			for i := len(operands) - 1; i >= 0; i-- {
				if operands[i].kind == operandArray {
					out.WriteString(showArray(operands[i].items, font))
					break
				}
			}
		case "'", "\"":
			newline()
			out.WriteString(lastString())
		case "T*", "ET":
			newline()
		case "Td", "TD":
			if len(operands) >= 2 {
				if ty, err := strconv.ParseFloat(operands[len(operands)-1].text, 64); err == nil && ty != 0 {
					newline()
				}
			}
		case "ID":
			s.skipInlineImage()
		}
		operands = operands[:0]
	}

	lines := strings.Split(out.String(), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimRight(line, " \t"); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// showArray renders a TJ array with kerning gaps as spaces.
func showArray(items []operand, font *pdfFont) string {
	var b strings.Builder
	for _, it := range items {
		switch it.kind {
		case operandString:
			b.WriteString(font.decode(it.raw))
		case operandOther:
			if n, err := strconv.ParseFloat(it.text, 64); err == nil && n < tjSpaceThreshold {
				b.WriteByte(' ')
			}
		}
	}
	return b.String()
}

type operandKind int

const (
	operandOther operandKind = iota
	operandString
	operandArray
	operandOperator
)

// operand is a scanned token. Strings keep their raw bytes until a font is
// known; arrays keep their elements.
type operand struct {
	kind  operandKind
	text  string
	raw   []byte
	items []operand
}

type streamScanner struct {
	data []byte
	pos  int
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return isSpace(c)
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0:
		return true
	}
	return false
}

func (s *streamScanner) skipSpaceAndComments() {
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		switch {
		case isSpace(c):
			s.pos++
		case c == '%':
			for s.pos < len(s.data) && s.data[s.pos] != '\n' && s.data[s.pos] != '\r' {
				s.pos++
			}
		default:
			return
		}
	}
}

func (s *streamScanner) next() (operand, bool) {
	s.skipSpaceAndComments()
	if s.pos >= len(s.data) {
		return operand{}, false
	}
	c := s.data[s.pos]
	switch {
	case c == '(':
		s.pos++
		return operand{kind: operandString, raw: s.literal()}, true
	case c == '<' && s.peek(1) == '<':
		s.pos += 2
		return operand{kind: operandOther, text: "<<"}, true
	case c == '>' && s.peek(1) == '>':
		s.pos += 2
		return operand{kind: operandOther, text: ">>"}, true
	case c == '<':
		s.pos++
		return operand{kind: operandString, raw: s.hexString()}, true
	case c == '[':
		s.pos++
		return operand{kind: operandArray, items: s.array()}, true
	case c == '/':
		s.pos++
		return operand{kind: operandOther, text: "/" + s.word()}, true
	case isDelimiter(c):
		s.pos++
		return operand{kind: operandOther, text: string(c)}, true
	}
	w := s.word()
	if _, err := strconv.ParseFloat(w, 64); err == nil {
		return operand{kind: operandOther, text: w}, true
	}
	switch w {
	case "true", "false", "null":
		return operand{kind: operandOther, text: w}, true
	}
	return operand{kind: operandOperator, text: w}, true
}

func (s *streamScanner) peek(off int) byte {
	if s.pos+off < len(s.data) {
		return s.data[s.pos+off]
	}
	return 0
}

func (s *streamScanner) word() string {
	start := s.pos
	for s.pos < len(s.data) && !isDelimiter(s.data[s.pos]) {
		s.pos++
	}
	if s.pos == start && s.pos < len(s.data) {
		s.pos++
	}
	return string(s.data[start:s.pos])
}

// literal reads a parenthesised string body; the opening paren is consumed.
func (s *streamScanner) literal() []byte {
	var buf bytes.Buffer
	depth := 1
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		s.pos++
		switch c {
		case '\\':
			if s.pos >= len(s.data) {
				return buf.Bytes()
			}
			e := s.data[s.pos]
			s.pos++
			switch e {
			case 'n':
				buf.WriteByte('\n')
			case 'r':
				buf.WriteByte('\r')
			case 't':
				buf.WriteByte('\t')
			case 'b':
				buf.WriteByte('\b')
			case 'f':
				buf.WriteByte('\f')
			case '\r':
				if s.pos < len(s.data) && s.data[s.pos] == '\n' {
					s.pos++
				}
			case '\n':
			case '0', '1', '2', '3', '4', '5', '6', '7':
				v := int(e - '0')
				for i := 0; i < 2 && s.pos < len(s.data) && s.data[s.pos] >= '0' && s.data[s.pos] <= '7'; i++ {
					v = v*8 + int(s.data[s.pos]-'0')
					s.pos++
				}
				buf.WriteByte(byte(v))
			default:
				buf.WriteByte(e)
			}
		case '(':
			depth++
			buf.WriteByte(c)
		case ')':
			depth--
			if depth == 0 {
				return buf.Bytes()
			}
			buf.WriteByte(c)
		default:
			buf.WriteByte(c)
		}
	}
	return buf.Bytes()
}

// hexString reads a <...> body; the opening bracket is consumed.
func (s *streamScanner) hexString() []byte {
	start := s.pos
	for s.pos < len(s.data) && s.data[s.pos] != '>' {
		s.pos++
	}
	raw := make([]byte, 0, s.pos-start)
	for _, c := range s.data[start:s.pos] {
		if !isSpace(c) {
			raw = append(raw, c)
		}
	}
	if s.pos < len(s.data) {
		s.pos++
	}
	if len(raw)%2 == 1 {
		raw = append(raw, '0')
	}
	out := make([]byte, hex.DecodedLen(len(raw)))
	n, _ := hex.Decode(out, raw)
	return out[:n]
}

// array reads the elements of a [...] body; the opening bracket is consumed.
func (s *streamScanner) array() []operand {
	var items []operand
	for {
		s.skipSpaceAndComments()
		if s.pos >= len(s.data) {
			return items
		}
		if s.data[s.pos] == ']' {
			s.pos++
			return items
		}
		tok, ok := s.next()
		if !ok {
			return items
		}
		items = append(items, tok)
	}
}

func (s *streamScanner) skipInlineImage() {
	for s.pos+2 < len(s.data) {
		if s.data[s.pos] == 'E' && s.data[s.pos+1] == 'I' && isSpace(s.data[s.pos-1]) &&
			(s.pos+2 == len(s.data) || isSpace(s.data[s.pos+2])) {
			s.pos += 2
			return
		}
		s.pos++
	}
	s.pos = len(s.data)
}

// decodePDFBytes interprets string bytes as UTF-16BE when BOM-prefixed and
// as WinAnsi otherwise, which covers the standard simple fonts.
func decodePDFBytes(b []byte) string {
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		return stripControl(decodeUTF16BE(b[2:]))
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return stripControl(string(b))
	}
	return stripControl(string(out))
}

// stripControl drops NULs and other C0 controls that fonts without a usable
// encoding leave behind. Tabs and newlines survive.
func stripControl(s string) string {
	if strings.IndexFunc(s, isStrippedControl) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isStrippedControl(r) {
			return -1
		}
		return r
	}, s)
}

func isStrippedControl(r rune) bool {
	return (r < 0x20 && r != '\t' && r != '\n') || r == 0x7F || r == '\uFFFD'
}
