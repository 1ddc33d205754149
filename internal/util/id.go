package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/rs/xid"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewAuditID returns a time-sortable id for append-only records
// (edit operations and conflicts), so log order matches creation order.
func NewAuditID(prefix string) string {
	if prefix == "" {
		return xid.New().String()
	}
	return prefix + "_" + xid.New().String()
}
