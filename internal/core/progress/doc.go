// Package progress maps pipeline stages to job progress percentages.
//
// Each pipeline is described by a Table: an ordered list of stages with
// strictly increasing target progress, running from 0 to 100. A table may
// name one fan-out stage whose work is split into a number of sub-units known
// only at runtime. Progress inside a fan-out stage is interpolated linearly
// between that stage's target and the next stage's target:
//
//	progress = start + (end - start) * (k - 1) / N
//
// rounded to the nearest integer. Stage events are typed values (Event), so
// the calculation never parses free text.
//
// Stages a table does not know resolve to UnknownProgress with the Unknown
// flag set instead of failing. A Monitor wraps a table and never lets the
// reported value decrease.
package progress
