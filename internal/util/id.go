package util

import "github.com/rs/xid"

// NewID returns a globally unique, time-sortable identifier, optionally
// prefixed ("ls_cq2...").
func NewID(prefix string) string {
	id := xid.New().String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
