// Package sink holds what the record sinks share. The formats live in the
// csv and jsonl subpackages.
package sink
