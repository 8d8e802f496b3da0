package loader

import (
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// pdfFont is what text extraction needs to know about a page font.
type pdfFont struct {
	// composite fonts (Type0) show multi-byte codes, two bytes unless the
	// ToUnicode CMap declares otherwise.
	composite bool
	toUnicode *toUnicodeCMap
}

// pageFonts resolves the /Font resources of a page. Fonts that cannot be
// read are left out and fall back to WinAnsi decoding.
func pageFonts(pdfCtx *model.Context, pageNr int) map[string]*pdfFont {
	pageDict, _, inh, err := pdfCtx.PageDict(pageNr, false)
	if err != nil {
		return nil
	}
	var res types.Dict
	if o, ok := pageDict.Find("Resources"); ok {
		res, _ = pdfCtx.DereferenceDict(o)
	}
	if res == nil && inh != nil {
		res = inh.Resources
	}
	if res == nil {
		return nil
	}
	o, ok := res.Find("Font")
	if !ok {
		return nil
	}
	fontDict, err := pdfCtx.DereferenceDict(o)
	if err != nil || fontDict == nil {
		return nil
	}

	fonts := make(map[string]*pdfFont, len(fontDict))
	for name, fo := range fontDict {
		d, err := pdfCtx.DereferenceDict(fo)
		if err != nil || d == nil {
			continue
		}
		f := &pdfFont{}
		if st := d.NameEntry("Subtype"); st != nil && *st == "Type0" {
			f.composite = true
		}
		if tu, ok := d.Find("ToUnicode"); ok {
			sd, _, err := pdfCtx.DereferenceStreamDict(tu)
			if err == nil && sd != nil && sd.Decode() == nil {
				f.toUnicode = parseToUnicode(sd.Content)
			}
		}
		fonts[name] = f
	}
	return fonts
}

// decode maps the bytes of a shown string to text. A nil font decodes as a
// simple WinAnsi font.
func (f *pdfFont) decode(b []byte) string {
	if f == nil || (!f.composite && f.toUnicode == nil) {
		return decodePDFBytes(b)
	}
	width := 1
	if f.composite {
		width = 2
	}
	if f.toUnicode != nil && f.toUnicode.codeLen > 0 {
		width = f.toUnicode.codeLen
	}

	var out strings.Builder
	for i := 0; i < len(b); i += width {
		end := min(i+width, len(b))
		code := codeOf(b[i:end])
		if f.toUnicode != nil {
			if s, ok := f.toUnicode.lookup(code); ok {
				out.WriteString(s)
				continue
			}
		}
		switch {
		case f.composite:
			// Identity encodings without a usable CMap are usually UCS-2.
			if r := rune(code); !utf16.IsSurrogate(r) {
				out.WriteRune(r)
			}
		default:
			out.WriteString(decodePDFBytes(b[i:end]))
		}
	}
	return stripControl(out.String())
}

// toUnicodeCMap holds the bfchar and bfrange mappings of a ToUnicode stream.
type toUnicodeCMap struct {
	codeLen int
	chars   map[uint32]string
	ranges  []cmapRange
}

type cmapRange struct {
	lo, hi uint32
	// dst is the UTF-16BE destination of lo, incremented per code. dsts
	// lists one destination per code when the range maps to an array.
	dst  []byte
	dsts [][]byte
}

func (m *toUnicodeCMap) lookup(code uint32) (string, bool) {
	if s, ok := m.chars[code]; ok {
		return s, true
	}
	i := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].hi >= code })
	if i == len(m.ranges) || m.ranges[i].lo > code {
		return "", false
	}
	r := m.ranges[i]
	off := code - r.lo
	if r.dsts != nil {
		if int(off) >= len(r.dsts) {
			return "", false
		}
		return decodeUTF16BE(r.dsts[off]), true
	}
	if len(r.dst) < 2 {
		return "", false
	}
	dst := append([]byte(nil), r.dst...)
	last := uint32(dst[len(dst)-2])<<8 | uint32(dst[len(dst)-1])
	last += off
	dst[len(dst)-2], dst[len(dst)-1] = byte(last>>8), byte(last)
	return decodeUTF16BE(dst), true
}

// parseToUnicode reads the codespace, bfchar and bfrange sections of a CMap
// program. Everything else in the program is skipped.
func parseToUnicode(data []byte) *toUnicodeCMap {
	m := &toUnicodeCMap{chars: make(map[uint32]string)}
	s := &streamScanner{data: data}
	var operands []operand
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
		case "endcodespacerange":
			for i := 0; i+1 < len(operands); i += 2 {
				if n := len(operands[i].raw); n > m.codeLen {
					m.codeLen = n
				}
			}
		case "endbfchar":
			for i := 0; i+1 < len(operands); i += 2 {
				src, dst := operands[i], operands[i+1]
				if src.kind == operandString && dst.kind == operandString {
					m.chars[codeOf(src.raw)] = decodeUTF16BE(dst.raw)
				}
			}
		case "endbfrange":
			for i := 0; i+2 < len(operands); i += 3 {
				lo, hi, dst := operands[i], operands[i+1], operands[i+2]
				if lo.kind != operandString || hi.kind != operandString {
					continue
				}
				r := cmapRange{lo: codeOf(lo.raw), hi: codeOf(hi.raw)}
				switch dst.kind {
				case operandString:
					r.dst = dst.raw
				case operandArray:
					r.dsts = make([][]byte, 0, len(dst.items))
					for _, it := range dst.items {
						r.dsts = append(r.dsts, it.raw)
					}
				default:
					continue
				}
				if r.hi >= r.lo {
					m.ranges = append(m.ranges, r)
				}
			}
		}
		operands = operands[:0]
	}
	sort.Slice(m.ranges, func(i, j int) bool { return m.ranges[i].lo < m.ranges[j].lo })
	return m
}

func codeOf(b []byte) uint32 {
	var code uint32
	for _, c := range b {
		code = code<<8 | uint32(c)
	}
	return code
}

func decodeUTF16BE(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
	}
	return string(utf16.Decode(units))
}
