// Package crawler drives a hierarchical crawl of a search portal that caps
// every result listing. The Scheduler walks the partition tree, narrowing any
// query whose listing is full, and streams the accepted rows to the
// ProfileStage, which opens each row's profile and writes a Record to a Sink.
// Both stages consult and update a Checkpoint so an interrupted run resumes
// without repeating completed work. The Engine wires the two stages together
// and aborts the run when the portal starts refusing every call.
package crawler
