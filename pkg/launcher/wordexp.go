package launcher

import (
	"fmt"
	"strings"
)

// metaChars are shell metacharacters the original C implementation passed
// through to a real wordexp(3) call. Per spec.md §9 ("word expansion...is
// security-sensitive. A reimplementation should offer a restricted,
// documented expander... and forbid arbitrary shell globs by default"),
// this expander only does $NAME / ${NAME} substitution against the
// service's env-file-derived environment and rejects everything else.
const metaChars = "*?[]`$("

// ExpandArgv applies restricted word expansion to each argv element: only
// $NAME and ${NAME} substitutions against env are honored. Any other shell
// metacharacter in the original source text is a hard error rather than
// silently passed to the child, since finitd never forks a shell to
// interpret it. Leading |<>&: on an unexpanded argv[0] is rejected outright
// — those are the characters the original escaped rather than expanded.
func ExpandArgv(argv []string, env map[string]string) ([]string, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("wordexp: empty argv")
	}
	if strings.IndexAny(argv[0][:min(1, len(argv[0]))], "|<>&:") == 0 {
		return nil, fmt.Errorf("wordexp: argv[0] %q starts with a reserved character", argv[0])
	}

	out := make([]string, 0, len(argv))
	for _, word := range argv {
		expanded, err := expandWord(word, env)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded)
	}
	return out, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func expandWord(word string, env map[string]string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(word); i++ {
		c := word[i]
		if c != '$' {
			if strings.IndexByte(metaChars, c) >= 0 {
				return "", fmt.Errorf("wordexp: disallowed metacharacter %q in %q", c, word)
			}
			b.WriteByte(c)
			continue
		}

		// '$' — either ${NAME}, $NAME, or a literal bare '$' at end of word.
		if i+1 < len(word) && word[i+1] == '{' {
			end := strings.IndexByte(word[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("wordexp: unterminated ${ in %q", word)
			}
			name := word[i+2 : i+2+end]
			b.WriteString(env[name])
			i += 2 + end
			continue
		}

		j := i + 1
		for j < len(word) && isNameByte(word[j]) {
			j++
		}
		if j == i+1 {
			// Bare '$' with no following name byte: emit literally, as the
			// original's escaping rules do for characters it doesn't expand.
			b.WriteByte('$')
			continue
		}
		name := word[i+1 : j]
		b.WriteString(env[name])
		i = j - 1
	}
	return b.String(), nil
}

func isNameByte(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
