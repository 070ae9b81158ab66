package language

import (
	"regexp"
	"strings"
)

var (
	javaPackageLine = regexp.MustCompile(`^\s*package\s+[\w.]+\s*;\s*$`)
	javaImportLine  = regexp.MustCompile(`^\s*import\s+(?:static\s+)?[\w.]+(?:\.\*)?\s*;\s*$`)
	javaPublicClass = regexp.MustCompile(`\bpublic\s+(?:(?:final|abstract|strictfp)\s+)*class\s+([A-Za-z_$][\w$]*)`)
	javaAnyClass    = regexp.MustCompile(`(?m)^[ \t]*((?:(?:final|abstract|strictfp)\s+)*)class\s+([A-Za-z_$][\w$]*)`)
	javaMainMethod  = regexp.MustCompile(`\bstatic\s+void\s+main\s*\(`)
)

var javaDefaultImports = []string{"import java.util.*;", "import java.io.*;"}

// PrepareJavaSource rewrites code so its public class is named className.
//
// An existing public class is renamed together with every whole-word reference to
// it. Otherwise the first top-level class is made public and renamed. Code with a
// bare main method is wrapped in a generated class, and any other snippet becomes
// the body of a generated main. Imports are hoisted and package declarations dropped.
// String literals and comments are left as written.
func PrepareJavaSource(code, className string) string {
	imports, body := splitJavaHeader(code)
	masked := maskJavaLiterals(body)

	if m := javaPublicClass.FindStringSubmatch(masked); m != nil {
		return joinJava(imports, renameIdentifier(body, masked, m[1], className))
	}

	if loc := javaAnyClass.FindStringSubmatchIndex(masked); loc != nil {
		name := body[loc[4]:loc[5]]
		promoted := body[:loc[2]] + "public " + body[loc[2]:]
		return joinJava(imports, renameIdentifier(promoted, maskJavaLiterals(promoted), name, className))
	}

	imports = mergeImports(javaDefaultImports, imports)
	if javaMainMethod.MatchString(masked) {
		return joinJava(imports, "public class "+className+" {\n"+indent(body)+"\n}\n")
	}
	return joinJava(imports, "public class "+className+" {\n"+
		"    public static void main(String[] args) throws Exception {\n"+
		indent(indent(body))+"\n"+
		"    }\n}\n")
}

func splitJavaHeader(code string) ([]string, string) {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	var imports []string
	var body []string
	for _, line := range strings.Split(code, "\n") {
		switch {
		case javaPackageLine.MatchString(line):
		case javaImportLine.MatchString(line):
			imports = append(imports, strings.TrimSpace(line))
		default:
			body = append(body, line)
		}
	}
	return imports, strings.Trim(strings.Join(body, "\n"), "\n")
}

// renameIdentifier replaces whole-word occurrences of from that fall in code.
// masked is body with literals and comments blanked out, see maskJavaLiterals.
func renameIdentifier(body, masked, from, to string) string {
	if from == to {
		return body
	}
	pattern := regexp.MustCompile(`\b` + regexp.QuoteMeta(from) + `\b`)
	var b strings.Builder
	last := 0
	for _, loc := range pattern.FindAllStringIndex(masked, -1) {
		b.WriteString(body[last:loc[0]])
		b.WriteString(to)
		last = loc[1]
	}
	b.WriteString(body[last:])
	return b.String()
}

// maskJavaLiterals returns code with the contents of string, text block and
// character literals and of comments replaced by spaces. Offsets and newlines
// are preserved so matches on the result index into code.
func maskJavaLiterals(code string) string {
	out := []byte(code)
	blank := func(from, to int) {
		for i := from; i < to && i < len(out); i++ {
			if out[i] != '\n' {
				out[i] = ' '
			}
		}
	}
	for i := 0; i < len(code); {
		switch {
		case strings.HasPrefix(code[i:], "//"):
			end := strings.IndexByte(code[i:], '\n')
			if end < 0 {
				end = len(code) - i
			}
			blank(i, i+end)
			i += end
		case strings.HasPrefix(code[i:], "/*"):
			end := strings.Index(code[i+2:], "*/")
			if end < 0 {
				blank(i, len(code))
				return string(out)
			}
			blank(i, i+2+end+2)
			i += 2 + end + 2
		case strings.HasPrefix(code[i:], `"""`):
			end := closingQuote(code, i+3, `"""`)
			blank(i, end)
			i = end
		case code[i] == '"' || code[i] == '\'':
			end := closingQuote(code, i+1, code[i:i+1])
			blank(i, end)
			i = end
		default:
			i++
		}
	}
	return string(out)
}

// closingQuote returns the offset just past the first unescaped quote at or
// after start, or len(code) when the literal is unterminated.
func closingQuote(code string, start int, quote string) int {
	for i := start; i < len(code); i++ {
		if code[i] == '\\' {
			i++
			continue
		}
		if strings.HasPrefix(code[i:], quote) {
			return i + len(quote)
		}
	}
	return len(code)
}

func mergeImports(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, line := range append(append([]string(nil), base...), extra...) {
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}

func joinJava(imports []string, body string) string {
	if len(imports) == 0 {
		return body
	}
	return strings.Join(imports, "\n") + "\n\n" + body
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = "    " + line
		}
	}
	return strings.Join(lines, "\n")
}
