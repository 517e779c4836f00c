package repo

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Symbol is an exported top-level declaration.
type Symbol struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Line int    `json:"line"`
}

type language int

const (
	langUnknown language = iota
	langGo
	langJavaScript
	langTypeScript
	langPython
	langJava
	langRust
	langRuby
)

var extLanguages = map[string]language{
	".go":   langGo,
	".js":   langJavaScript,
	".jsx":  langJavaScript,
	".mjs":  langJavaScript,
	".cjs":  langJavaScript,
	".ts":   langTypeScript,
	".tsx":  langTypeScript,
	".py":   langPython,
	".java": langJava,
	".kt":   langJava,
	".rs":   langRust,
	".rb":   langRuby,
}

func languageFor(path string) language {
	return extLanguages[strings.ToLower(filepath.Ext(path))]
}

func grammar(lang language) *sitter.Language {
	switch lang {
	case langGo:
		return golang.GetLanguage()
	case langJavaScript:
		return javascript.GetLanguage()
	case langTypeScript:
		return typescript.GetLanguage()
	case langPython:
		return python.GetLanguage()
	default:
		return nil
	}
}

// ExtractSymbols returns exported symbols of src. It parses with a
// tree-sitter grammar when one exists for the file's language and falls
// back to line regexes when none does or the parse has errors.
func ExtractSymbols(ctx context.Context, path string, src []byte) []Symbol {
	lang := languageFor(path)
	if lang == langUnknown {
		return nil
	}
	if g := grammar(lang); g != nil {
		if syms, ok := parseSymbols(ctx, lang, g, src); ok {
			return syms
		}
	}
	return regexSymbols(lang, src)
}

func parseSymbols(ctx context.Context, lang language, g *sitter.Language, src []byte) ([]Symbol, bool) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil || tree == nil {
		return nil, false
	}
	defer tree.Close()
	root := tree.RootNode()
	if root == nil || root.HasError() {
		return nil, false
	}

	var out []Symbol
	add := func(n *sitter.Node, kind string) {
		if n == nil {
			return
		}
		name := n.Content(src)
		if exported(lang, name) {
			out = append(out, Symbol{Name: name, Kind: kind, Line: int(n.StartPoint().Row) + 1})
		}
	}
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		switch lang {
		case langGo:
			goDecl(node, add)
		case langJavaScript, langTypeScript:
			if node.Type() == "export_statement" {
				jsExport(node, add)
			}
		case langPython:
			pyDecl(node, add)
		}
	}
	return out, true
}

func goDecl(node *sitter.Node, add func(*sitter.Node, string)) {
	switch node.Type() {
	case "function_declaration":
		add(node.ChildByFieldName("name"), "function")
	case "method_declaration":
		add(node.ChildByFieldName("name"), "method")
	case "type_declaration":
		for j := 0; j < int(node.NamedChildCount()); j++ {
			spec := node.NamedChild(j)
			if spec.Type() == "type_spec" || spec.Type() == "type_alias" {
				add(spec.ChildByFieldName("name"), "type")
			}
		}
	case "const_declaration", "var_declaration":
		for j := 0; j < int(node.NamedChildCount()); j++ {
			add(node.NamedChild(j).ChildByFieldName("name"), "value")
		}
	}
}

func jsExport(node *sitter.Node, add func(*sitter.Node, string)) {
	decl := node.ChildByFieldName("declaration")
	if decl == nil {
		return
	}
	switch decl.Type() {
	case "function_declaration", "generator_function_declaration":
		add(decl.ChildByFieldName("name"), "function")
	case "class_declaration", "abstract_class_declaration":
		add(decl.ChildByFieldName("name"), "class")
	case "interface_declaration", "type_alias_declaration", "enum_declaration":
		add(decl.ChildByFieldName("name"), "type")
	case "lexical_declaration", "variable_declaration":
		for j := 0; j < int(decl.NamedChildCount()); j++ {
			d := decl.NamedChild(j)
			if d.Type() == "variable_declarator" {
				add(d.ChildByFieldName("name"), "value")
			}
		}
	}
}

func pyDecl(node *sitter.Node, add func(*sitter.Node, string)) {
	if node.Type() == "decorated_definition" {
		node = node.ChildByFieldName("definition")
		if node == nil {
			return
		}
	}
	switch node.Type() {
	case "function_definition":
		add(node.ChildByFieldName("name"), "function")
	case "class_definition":
		add(node.ChildByFieldName("name"), "class")
	}
}

func exported(lang language, name string) bool {
	if name == "" {
		return false
	}
	switch lang {
	case langGo:
		return unicode.IsUpper([]rune(name)[0])
	case langPython:
		return !strings.HasPrefix(name, "_")
	default:
		return true
	}
}

type symbolPattern struct {
	re   *regexp.Regexp
	kind string
}

var regexPatterns = map[language][]symbolPattern{
	langGo: {
		{regexp.MustCompile(`^func\s+(?:\([^)]*\)\s*)?([A-Z]\w*)`), "function"},
		{regexp.MustCompile(`^type\s+([A-Z]\w*)`), "type"},
	},
	langJavaScript: jsPatterns,
	langTypeScript: jsPatterns,
	langPython: {
		{regexp.MustCompile(`^def\s+([A-Za-z]\w*)`), "function"},
		{regexp.MustCompile(`^class\s+([A-Za-z]\w*)`), "class"},
	},
	langJava: {
		{regexp.MustCompile(`^\s*public\s+(?:(?:static|final|abstract|sealed|data)\s+)*(?:class|interface|enum|record|object)\s+([A-Za-z_]\w*)`), "type"},
	},
	langRust: {
		{regexp.MustCompile(`^pub\s+(?:async\s+)?fn\s+([A-Za-z_]\w*)`), "function"},
		{regexp.MustCompile(`^pub\s+(?:struct|enum|trait|type|const|static)\s+([A-Za-z_]\w*)`), "type"},
	},
	langRuby: {
		{regexp.MustCompile(`^\s*(?:class|module)\s+([A-Z]\w*)`), "class"},
		{regexp.MustCompile(`^\s*def\s+(?:self\.)?([a-z_]\w*[?!]?)`), "function"},
	},
}

var jsPatterns = []symbolPattern{
	{regexp.MustCompile(`^export\s+(?:default\s+)?(?:async\s+)?function\*?\s+([A-Za-z_$][\w$]*)`), "function"},
	{regexp.MustCompile(`^export\s+(?:default\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)`), "class"},
	{regexp.MustCompile(`^export\s+(?:const|let|var)\s+([A-Za-z_$][\w$]*)`), "value"},
	{regexp.MustCompile(`^export\s+(?:interface|type|enum)\s+([A-Za-z_$][\w$]*)`), "type"},
}

func regexSymbols(lang language, src []byte) []Symbol {
	patterns := regexPatterns[lang]
	if len(patterns) == 0 {
		return nil
	}
	var out []Symbol
	for i, line := range strings.Split(string(src), "\n") {
		for _, p := range patterns {
			if m := p.re.FindStringSubmatch(line); m != nil {
				out = append(out, Symbol{Name: m[1], Kind: p.kind, Line: i + 1})
				break
			}
		}
	}
	return out
}
