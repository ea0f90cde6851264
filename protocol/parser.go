package protocol

import (
	"fmt"
	"strings"
)

// Frame is one decoded wire record: a keyword and its arguments with
// quoting removed.
type Frame struct {
	Keyword string
	Args    []string
}

// SplitWords breaks a frame line into fields. Fields are separated by
// spaces; double- or single-quoted fields keep their spaces and may be
// empty. No escape sequences exist in this protocol.
func SplitWords(line string) []string {
	var words []string
	i := 0
	for i < len(line) {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		if i >= len(line) {
			break
		}
		if q := line[i]; q == '"' || q == '\'' {
			end := strings.IndexByte(line[i+1:], q)
			if end < 0 {
				// unterminated quote: take the rest verbatim
				words = append(words, line[i+1:])
				break
			}
			words = append(words, line[i+1:i+1+end])
			i += end + 2
			continue
		}
		end := strings.IndexByte(line[i:], ' ')
		if end < 0 {
			words = append(words, line[i:])
			break
		}
		words = append(words, line[i:i+end])
		i += end
	}
	return words
}

// ParseLine decodes one newline-stripped frame line.
func ParseLine(line string) (Frame, error) {
	words := SplitWords(line)
	if len(words) == 0 {
		return Frame{}, fmt.Errorf("empty frame")
	}
	return Frame{Keyword: words[0], Args: words[1:]}, nil
}

// CutSlot consumes a leading SLOT:n argument if present, returning the
// slot value and the remaining arguments.
func CutSlot(args []string, enc NumberEncoding) (slot uint32, rest []string, err error) {
	if len(args) == 0 || !strings.HasPrefix(args[0], slotPrefix) {
		return 0, args, nil
	}
	v, err := ParseUint64(enc, args[0][len(slotPrefix):])
	if err != nil {
		return 0, args, fmt.Errorf("bad slot %q: %w", args[0], err)
	}
	return uint32(v), args[1:], nil
}
