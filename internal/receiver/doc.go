// Package receiver is the rule engine. It turns raw directory observations
// into named, labelled samples.
//
// A Receiver is created per scrape from the current config.Config. Record is
// called once per (entry, attribute) observation. Rules are tried in order
// and the first one whose pattern fully matches the entry name decides the
// outcome: a sample is appended, or the observation is dropped. Later rules
// are never consulted after a match.
//
// Families returns the accumulated samples grouped by metric name, in the
// order the names were first seen.
package receiver
