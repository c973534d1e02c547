// Package sapling keeps a structural and semantic view of a single source
// file consistent with its text while the text is being edited.
//
// # Documents
//
// A [CodeDocument] owns a text buffer with a revision counter, a
// tree-sitter syntax tree, a query engine, and the symbol index derived
// from the document's symbol query. Every edit goes through
// [CodeDocument.Replace] (or Insert, Delete, Move), which bumps the
// revision, queues the edit for an incremental reparse, and invalidates
// every cached result. Trees and symbols are rebuilt lazily on the next
// query.
//
//	doc, err := sapling.New(ctx, "c", "int a() {}\nint b() {}")
//	if err != nil { ... }
//	defer doc.Close()
//
//	b, err := doc.FindSymbol("b", 0)          // second function
//	_, err = doc.Insert(0, "//")               // revision 1
//	syms, err := doc.Symbols()                 // reflects the edit
//
// # Semantic documents
//
// A [SemanticDocument] adds a language server. Requests are tagged with the
// revision they were asked at and their answers are dropped if the
// document changed in the meantime; callers then see an error matching
// [ErrAnalysisUnavailable] and fall back to structural results.
//
//	srv, err := sapling.StartServer(ctx, cfg, logger)
//	sem := sapling.NewSemantic(doc, srv)
//	defer sem.Close()
//
//	text, err := sem.Hover(ctx, offset)
//	loc, err := sem.FollowSymbol(ctx)
//	loc, err = sem.SwitchDeclarationDefinition(ctx)
//
// The *Async variants return a [Future] so the owning goroutine can keep
// editing; an edit made before [Future.Wait] invalidates the answer.
//
// # Concurrency
//
// A document belongs to one goroutine. Only the language server connection
// is shared, and only the bridge inside a SemanticDocument touches it from
// other goroutines. Separate documents may be used in parallel.
package sapling
