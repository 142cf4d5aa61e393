package output

import "strings"

type ansiState int

const (
	ansiText ansiState = iota
	ansiEsc
	ansiCSI
	ansiString
	ansiStringEsc
)

// StripANSI removes CSI, OSC, DCS, PM and APC sequences and bare control bytes.
// Tabs survive.
func StripANSI(line string) string {
	if strings.IndexFunc(line, isControl) < 0 {
		return line
	}
	var out strings.Builder
	out.Grow(len(line))
	state := ansiText
	for i := 0; i < len(line); i++ {
		b := line[i]
		switch state {
		case ansiText:
			switch {
			case b == 0x1b:
				state = ansiEsc
			case b == '\t':
				out.WriteByte(b)
			case b < 0x20 || b == 0x7f:
			default:
				out.WriteByte(b)
			}
		case ansiEsc:
			switch b {
			case '[':
				state = ansiCSI
			case ']', 'P', '^', '_':
				state = ansiString
			default:
				state = ansiText
			}
		case ansiCSI:
			if b >= 0x40 && b <= 0x7e {
				state = ansiText
			}
		case ansiString:
			if b == 0x07 {
				state = ansiText
			} else if b == 0x1b {
				state = ansiStringEsc
			}
		case ansiStringEsc:
			if b == '\\' {
				state = ansiText
			} else {
				state = ansiString
			}
		}
	}
	return out.String()
}

func isControl(r rune) bool {
	return (r < 0x20 && r != '\t') || r == 0x7f
}
