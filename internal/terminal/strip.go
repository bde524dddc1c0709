package terminal

// stripControl removes terminal control sequences from one line of PTY
// output: CSI sequences (cursor moves, colors), OSC sequences (window
// titles), other two-byte escapes, and C0 control bytes other than tab.
// Interactive agents repaint heavily; upstream matching works on the
// cleaned text only.
func stripControl(s string) string {
	out := make([]byte, 0, len(s))
	i := 0
	for i < len(s) {
		c := s[i]
		if c != 0x1b {
			if c == '\r' {
				i++
				continue
			}
			if c < 0x20 && c != '\t' {
				i++
				continue
			}
			out = append(out, c)
			i++
			continue
		}

		// ESC introducer.
		if i+1 >= len(s) {
			break
		}
		switch s[i+1] {
		case '[': // CSI: parameters then one final byte in @..~
			j := i + 2
			for j < len(s) && (s[j] < 0x40 || s[j] > 0x7e) {
				j++
			}
			if j < len(s) {
				j++
			}
			i = j
		case ']': // OSC: terminated by BEL or ESC \
			j := i + 2
			for j < len(s) {
				if s[j] == 0x07 {
					j++
					break
				}
				if s[j] == 0x1b && j+1 < len(s) && s[j+1] == '\\' {
					j += 2
					break
				}
				j++
			}
			i = j
		default: // two-byte escape (charset selection, keypad modes, ...)
			i += 2
		}
	}
	return string(out)
}
