// Package archive implements a two-tier message archive.
//
// Recent messages live in a RecordStore (the hot tier) with full edit and
// delete history. A Scheduler periodically demotes records older than the
// retention window into a VectorIndex (the cold tier), where only an
// embedding and a compacted summary are kept. The Router is the single
// ingestion path and merges both tiers at query time.
//
// Components:
//   - RecordStore: store/sqlite
//   - VectorIndex: index/chromem
//   - Embedder: embedder/hashing, embedder/onnx (build tag onnx)
//   - Summarizer: TruncatingSummarizer, summarizer/claude
//
// Migration moves a record hot -> migrating -> cold and never back. A
// batch is inserted into the index before it is removed from the store,
// so after a crash the record may briefly exist in both tiers; the next
// cycle re-inserts it under the same id and completes the removal.
//
// Usage:
//
//	store, _ := sqlite.Open(ctx, "archive.db")
//	index, _ := chromem.New("vectors")
//	gw, _ := archive.NewGateway(hashing.New(384), cfg)
//	router := archive.NewRouter(store, index, gw, cfg)
//	sched := archive.NewScheduler(store, index, gw, cfg)
//	sched.Start(ctx)
package archive
