package ref

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// spaceMarker replaces spaces inside SentencePiece style tokens.
const spaceMarker = "▁"

// Vocab is a greedy longest-match tokenizer over a fixed token list.
type Vocab struct {
	tokens  []string
	index   map[string]int
	bytes   [256]int
	maxLen  int
	bos     int
	eos     int
	unk     int
	control map[int]bool
}

func newVocab(tokens []string, bos, eos, unk int) (*Vocab, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	v := &Vocab{
		tokens:  tokens,
		index:   make(map[string]int, len(tokens)),
		bos:     bos,
		eos:     eos,
		unk:     unk,
		control: make(map[int]bool),
	}
	for i := range v.bytes {
		v.bytes[i] = -1
	}
	for id, tok := range tokens {
		if _, dup := v.index[tok]; !dup {
			v.index[tok] = id
		}
		v.maxLen = max(v.maxLen, len(tok))
		if b, ok := byteToken(tok); ok {
			v.bytes[b] = id
		}
	}
	for _, id := range []int{bos, eos, unk} {
		if id >= len(tokens) {
			return nil, fmt.Errorf("special token id %d outside vocabulary of %d", id, len(tokens))
		}
		if id >= 0 {
			v.control[id] = true
		}
	}
	return v, nil
}

// Size returns the number of tokens.
func (v *Vocab) Size() int { return len(v.tokens) }

// Encode splits text into token ids. Spaces become the marker and a
// leading marker is added, as SentencePiece does.
func (v *Vocab) Encode(text string, addBOS bool) ([]int, error) {
	var out []int
	if addBOS && v.bos >= 0 {
		out = append(out, v.bos)
	}
	if text == "" {
		return out, nil
	}
	s := spaceMarker + strings.ReplaceAll(text, " ", spaceMarker)
	for len(s) > 0 {
		id, n := v.longest(s)
		if n > 0 {
			out = append(out, id)
			s = s[n:]
			continue
		}
		_, size := utf8.DecodeRuneInString(s)
		fallback, ok := v.byteFallback(s[:size])
		switch {
		case ok:
			out = append(out, fallback...)
		case v.unk >= 0:
			out = append(out, v.unk)
		default:
			return nil, fmt.Errorf("no token covers %q", s[:size])
		}
		s = s[size:]
	}
	return out, nil
}

func (v *Vocab) longest(s string) (int, int) {
	for n := min(v.maxLen, len(s)); n > 0; n-- {
		if n < len(s) && !utf8.RuneStart(s[n]) {
			continue
		}
		if id, ok := v.index[s[:n]]; ok && !v.control[id] {
			return id, n
		}
	}
	return 0, 0
}

func (v *Vocab) byteFallback(r string) ([]int, bool) {
	ids := make([]int, len(r))
	for i := range len(r) {
		if v.bytes[r[i]] < 0 {
			return nil, false
		}
		ids[i] = v.bytes[r[i]]
	}
	return ids, true
}

// Decode joins token pieces back into text. Control tokens are dropped.
func (v *Vocab) Decode(ids []int) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(v.tokens) {
			return "", fmt.Errorf("token id %d outside vocabulary of %d", id, len(v.tokens))
		}
		if v.control[id] {
			continue
		}
		tok := v.tokens[id]
		if b, ok := byteToken(tok); ok {
			sb.WriteByte(b)
			continue
		}
		sb.WriteString(strings.ReplaceAll(tok, spaceMarker, " "))
	}
	return sb.String(), nil
}

// byteToken parses fallback tokens of the form <0x0A>.
func byteToken(tok string) (byte, bool) {
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}
	b, err := strconv.ParseUint(tok[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(b), true
}
