// Package core provides the domain model shared by every pipeline stage.
//
// It has no transport or storage dependencies. Acquisition, consolidation,
// export and load all work in terms of the types declared here.
//
// # Entity Registry
//
// Entities are registered at init time using [Register], from the
// core/tables package. Each [EntityDefinition] carries everything a stage
// needs to handle one family of archives:
//
//	core.Register(core.EntityDefinition{
//	    Type:     core.EntityCompany,
//	    Table:    "empresas",
//	    Prefixes: []string{"empresa"},
//	    Fields: []core.FieldSpec{
//	        {Name: "cnpj_basico", Type: core.FieldText},
//	        {Name: "capital_social", Type: core.FieldFloat},
//	    },
//	    Key:      []string{"cnpj_basico"},
//	})
//
// [Classify] maps an archive file name to its entity by prefix, and [Tiers]
// orders entities so lookups load before the tables that reference them.
//
// # Coercion
//
// [CastRow] applies an entity's declared field types to a raw payload row.
// Malformed numbers and dates are either nulled or reject the row, depending
// on the [CoercePolicy].
//
// # Streaming
//
// Payloads are decoded in constant memory: [WrapForStreaming] transcodes
// Latin-1 to UTF-8, skips a BOM and replaces invalid bytes.
//
// # Runs
//
// A [RunContext] is created per run. Stages increment its counters and
// [RunContext.Record] non-fatal defects; [RunContext.Report] snapshots them
// into the [RunReport] printed at the end of the run.
//
// # Error Handling
//
// Failures wrap one of the sentinel kinds ([ErrCatalogUnavailable],
// [ErrTransferFailed], [ErrArchiveDefect], [ErrSchemaViolation],
// [ErrLoadBatchFailed]). [MapError] maps technical errors to coded messages:
//
//   - CAT001-CAT002: catalog errors (fatal)
//   - XFR001-XFR004: transfer errors
//   - ARC001-ARC004: archive defects
//   - SCH001-SCH004: schema violations
//   - DB004-DB008: store errors
//   - RUN001: overlapping run requests
package core
