package main

import (
	"sync"

	"ry/ast"
	"ry/lexer"
	"ry/parser"
	"ry/stdlib"
	"ry/token"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	"github.com/tliron/glsp/server"

	_ "github.com/tliron/commonlog/simple"
)

const (
	lsName      = "ry-ls"
	CIKFunction = protocol.CompletionItemKindFunction
	CIKVariable = protocol.CompletionItemKindVariable
	CIKKeyword  = protocol.CompletionItemKindKeyword
)

var (
	version string = "0.1.0"
	handler protocol.Handler

	documentsMutex sync.RWMutex
	documents      = make(map[string]string)
)

func main() {
	commonlog.Configure(1, nil)

	handler = protocol.Handler{
		Initialize:             initialize,
		Initialized:            initialized,
		Shutdown:               shutdown,
		SetTrace:               setTrace,
		TextDocumentDidOpen:    textDocumentDidOpen,
		TextDocumentDidChange:  textDocumentDidChange,
		TextDocumentDidClose:   textDocumentDidClose,
		TextDocumentDidSave:    textDocumentDidSave,
		TextDocumentCompletion: textDocumentCompletion,
	}

	s := server.NewServer(&handler, lsName, false)
	s.RunStdio()
}

func initialize(context *glsp.Context, params *protocol.InitializeParams) (interface{}, error) {
	capabilities := handler.CreateServerCapabilities()
	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"."},
	}
	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: &[]bool{true}[0],
		Change:    &syncKind,
		Save:      &protocol.SaveOptions{IncludeText: &[]bool{false}[0]},
	}

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lsName,
			Version: &version,
		},
	}, nil
}

func initialized(context *glsp.Context, params *protocol.InitializedParams) error { return nil }
func shutdown(context *glsp.Context) error                                        { return nil }

func setTrace(context *glsp.Context, params *protocol.SetTraceParams) error {
	protocol.SetTraceValue(params.Value)
	return nil
}

func textDocumentDidOpen(context *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	documentsMutex.Lock()
	defer documentsMutex.Unlock()
	documents[params.TextDocument.URI] = params.TextDocument.Text
	go publishDiagnostics(context, params.TextDocument.URI, params.TextDocument.Text)
	return nil
}

func textDocumentDidChange(context *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	if len(params.ContentChanges) == 0 {
		return nil
	}
	content := params.ContentChanges[0].(protocol.TextDocumentContentChangeEventWhole).Text

	documentsMutex.Lock()
	documents[params.TextDocument.URI] = content
	documentsMutex.Unlock()

	go publishDiagnostics(context, params.TextDocument.URI, content)
	return nil
}

func textDocumentDidClose(context *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	documentsMutex.Lock()
	defer documentsMutex.Unlock()
	delete(documents, params.TextDocument.URI)
	return nil
}

func textDocumentDidSave(context *glsp.Context, params *protocol.DidSaveTextDocumentParams) error {
	return nil
}

func textDocumentCompletion(context *glsp.Context, params *protocol.CompletionParams) (interface{}, error) {
	documentsMutex.RLock()
	content, ok := documents[params.TextDocument.URI]
	documentsMutex.RUnlock()

	items := []protocol.CompletionItem{}
	seen := make(map[string]bool)

	kindFunc := CIKFunction
	detailFunc := "native function"
	for _, name := range stdlib.Names() {
		if !seen[name] {
			items = append(items, protocol.CompletionItem{Label: name, Kind: &kindFunc, Detail: &detailFunc})
			seen[name] = true
		}
	}

	kindKeyword := CIKKeyword
	detailKeyword := "keyword"
	for _, kw := range token.Keywords() {
		if !seen[kw] {
			items = append(items, protocol.CompletionItem{Label: kw, Kind: &kindKeyword, Detail: &detailKeyword})
			seen[kw] = true
		}
	}

	if !ok {
		return protocol.CompletionList{IsIncomplete: false, Items: items}, nil
	}

	toks, lexErr := lexer.New(params.TextDocument.URI, content).Tokenize()
	if lexErr != nil {
		return protocol.CompletionList{IsIncomplete: false, Items: items}, nil
	}
	prog, _ := parser.New(toks).Parse()
	if prog == nil {
		return protocol.CompletionList{IsIncomplete: false, Items: items}, nil
	}

	kindVar := CIKVariable
	detailVar := "variable"
	cursorLine := int(params.Position.Line) + 1
	ast.Walk(prog, ast.WalkFunc(func(n ast.Node) {
		decl, isDecl := n.(*ast.VarDecl)
		if !isDecl || decl.Name == nil {
			return
		}
		if decl.Name.Loc.Line > cursorLine {
			return
		}
		if !seen[decl.Name.Value] {
			items = append(items, protocol.CompletionItem{Label: decl.Name.Value, Kind: &kindVar, Detail: &detailVar})
			seen[decl.Name.Value] = true
		}
	}))

	return protocol.CompletionList{IsIncomplete: false, Items: items}, nil
}

func publishDiagnostics(context *glsp.Context, uri string, content string) {
	diagnostics := []protocol.Diagnostic{}
	severity := protocol.DiagnosticSeverityError

	toks, lexErr := lexer.New(uri, content).Tokenize()
	if lexErr != nil {
		source := "ry-ls (lexer)"
		diagnostics = append(diagnostics, protocol.Diagnostic{
			Range:    lspRangeFromLoc(lexErr.Location()),
			Severity: &severity,
			Source:   &source,
			Message:  lexErr.Error(),
		})
	}

	if len(toks) > 0 && len(diagnostics) == 0 {
		_, parseErr := parser.New(toks).Parse()
		if parseErr != nil {
			source := "ry-ls (parser)"
			diagnostics = append(diagnostics, protocol.Diagnostic{
				Range:    lspRangeFromLoc(parseErr.Location()),
				Severity: &severity,
				Source:   &source,
				Message:  parseErr.Error(),
			})
		}
	}

	context.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

func lspRangeFromLoc(loc token.Loc) protocol.Range {
	startChar := loc.ColStart
	if startChar < 0 {
		startChar = 0
	}
	endChar := startChar + 1
	if loc.ColEnd != nil {
		endChar = *loc.ColEnd
	}
	line := loc.Line - 1
	if line < 0 {
		line = 0
	}
	return protocol.Range{
		Start: protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(startChar)},
		End:   protocol.Position{Line: protocol.UInteger(line), Character: protocol.UInteger(endChar)},
	}
}
