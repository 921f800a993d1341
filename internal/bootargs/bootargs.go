// Package bootargs parses the key=value boot arguments handed to system VMs.
package bootargs

import (
	"strconv"
	"strings"
)

// Options holds the recognized boot arguments. Absent or malformed values
// leave the zero value in place.
type Options struct {
	ZoneID int64
	PodID  int64
	Name   string
	Type   string
	URL    string
}

// Parse reads whitespace-separated key=value tokens. Keys are matched
// case-insensitively. Tokens without '=' and unknown keys are skipped, as
// are numeric values that fail to parse; none of these are errors.
func Parse(args string) Options {
	var opts Options
	for _, tok := range strings.Fields(args) {
		key, val, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "zone":
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				opts.ZoneID = n
			}
		case "pod":
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				opts.PodID = n
			}
		case "name":
			opts.Name = val
		case "type":
			opts.Type = val
		case "url":
			opts.URL = val
		}
	}
	return opts
}
