package pointtree

import "errors"

var (
	// ErrFormat reports malformed input: bad magic bytes, unsupported encodings or
	// property types, broken headers.
	ErrFormat = errors.New("format error")

	// ErrConsistency reports metadata that does not match the node data on disk.
	ErrConsistency = errors.New("consistency error")

	// ErrNotFound reports a missing data path.
	ErrNotFound = errors.New("not found")
)
