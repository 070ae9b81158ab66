// Package language maps language identifiers to file names, toolchain images and argv templates.
package language

import (
	"strings"
)

// ID identifies a built-in language.
type ID string

const (
	Python     ID = "python"
	JavaScript ID = "javascript"
	TypeScript ID = "typescript"
	C          ID = "c"
	Cpp        ID = "cpp"
	Java       ID = "java"
)

// Placeholders substituted per argument in command templates.
const (
	placeholderSrc   = "{src}"
	placeholderBin   = "{bin}"
	placeholderClass = "{class}"
	placeholderSID   = "{sid}"
	placeholderOut   = "{out}"
)

// Language describes how one language is compiled and run.
// Compile is empty for interpreted languages.
type Language struct {
	ID        ID
	Aliases   []string
	Prefix    string
	Extension string
	Image     string
	Compile   []string
	Run       []string
	Env       []string
	// OutPrefix names a per-session output directory for compilers that emit
	// one file per type, such as javac. Empty means outputs go to the root.
	OutPrefix string
}

// Compiles reports whether the language has a separate compile step.
func (l Language) Compiles() bool {
	return len(l.Compile) > 0
}

// SourceFile returns the source file name for a session.
func (l Language) SourceFile(sessionID string) string {
	return l.Prefix + sessionID + l.Extension
}

// BinaryFile returns the compiled binary name for a session.
func (l Language) BinaryFile(sessionID string) string {
	return "exec" + sessionID
}

// ClassName returns the Java class name for a session.
func (l Language) ClassName(sessionID string) string {
	return "Solution" + sessionID
}

// OutputDir returns the session's compiler output directory, or "" when the
// language writes its outputs directly into the workspace root.
func (l Language) OutputDir(sessionID string) string {
	if l.OutPrefix == "" {
		return ""
	}
	return l.OutPrefix + sessionID
}

// Commands returns the compile and run argv for a session. compile is nil when
// the language is interpreted.
func (l Language) Commands(sessionID string) (compile []string, run []string) {
	if l.Compiles() {
		compile = l.expand(l.Compile, sessionID)
	}
	return compile, l.expand(l.Run, sessionID)
}

// PrepareSource rewrites submitted code so that it compiles under the session's file name.
func (l Language) PrepareSource(code, sessionID string) string {
	if l.ID == Java {
		return PrepareJavaSource(code, l.ClassName(sessionID))
	}
	return code
}

func (l Language) expand(tpl []string, sessionID string) []string {
	replacer := strings.NewReplacer(
		placeholderSrc, l.SourceFile(sessionID),
		placeholderBin, l.BinaryFile(sessionID),
		placeholderClass, l.ClassName(sessionID),
		placeholderSID, sessionID,
		placeholderOut, l.OutputDir(sessionID),
	)
	out := make([]string, len(tpl))
	for i, arg := range tpl {
		out[i] = replacer.Replace(arg)
	}
	return out
}

func builtins() []Language {
	return []Language{
		{
			ID:        Python,
			Aliases:   []string{"py", "python3"},
			Prefix:    "code",
			Extension: ".py",
			Image:     "python:3.11-alpine",
			Run:       []string{"python3", placeholderSrc},
			Env:       []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"},
		},
		{
			ID:        JavaScript,
			Aliases:   []string{"js", "node"},
			Prefix:    "code",
			Extension: ".js",
			Image:     "node:20-alpine",
			Run:       []string{"node", placeholderSrc},
		},
		{
			ID:        TypeScript,
			Aliases:   []string{"ts"},
			Prefix:    "code",
			Extension: ".ts",
			Image:     "node:20-alpine",
			Run:       []string{"ts-node", "--transpile-only", placeholderSrc},
		},
		{
			ID:        C,
			Prefix:    "code",
			Extension: ".c",
			Image:     "gcc:13",
			Compile:   []string{"gcc", "-o", placeholderBin, placeholderSrc},
			Run:       []string{"./" + placeholderBin},
		},
		{
			ID:        Cpp,
			Aliases:   []string{"c++"},
			Prefix:    "code",
			Extension: ".cpp",
			Image:     "gcc:13",
			Compile:   []string{"g++", "-std=c++17", "-o", placeholderBin, placeholderSrc},
			Run:       []string{"./" + placeholderBin},
		},
		{
			ID:        Java,
			Prefix:    "Solution",
			Extension: ".java",
			Image:     "eclipse-temurin:17-jdk",
			Compile:   []string{"javac", "-d", placeholderOut, placeholderSrc},
			Run:       []string{"java", "-cp", placeholderOut, placeholderClass},
			OutPrefix: "classes",
		},
	}
}
