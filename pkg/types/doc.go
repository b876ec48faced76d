// Package types provides shared type definitions for the eCFR mirror.
//
// # Document Tree
//
// TitleTree is the parser's output and the persistence layer's input. It
// mirrors the regulation hierarchy:
//
//	Title → Chapter → Subchapter (optional) → Part → Section → Paragraph
//
// Paragraphs are kept as an arena per section. Each paragraph stores the index
// of its parent in the same slice (-1 at the top level), so nesting never needs
// pointers and a parent always precedes its children:
//
//	sec.Paragraphs = []types.Paragraph{
//	    {Marker: "(a)", Parent: -1, Ordinal: 1, Depth: 0},
//	    {Marker: "(1)", Parent: 0, Ordinal: 1, Depth: 1},
//	}
//
// # Errors
//
// Failures are typed so the orchestrator can decide whether to retry:
//
//	TransientFetchError     retried by the fetcher
//	PermanentFetchError     not retried
//	MalformedDocumentError  not retried, nothing is committed
//	DataIntegrityError      not retried, transaction rolled back
//	PersistenceError        retried by the orchestrator
//
// ErrorClass maps any of them to the short class name stored on ingestion
// records.
package types
