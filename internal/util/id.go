package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewMessageID builds a message id whose lexical order matches send order:
// a fixed-width unix-millisecond prefix followed by a random suffix. Two
// messages written in the same millisecond still get distinct ids, and the
// (createdAt, id) tie-break reduces to plain string comparison.
func NewMessageID(t time.Time) string {
	bytes := make([]byte, 3)
	_, _ = rand.Read(bytes)
	return fmt.Sprintf("%013d-%s", t.UnixMilli(), hex.EncodeToString(bytes))
}

// NewTempID returns a client-local id for optimistic entries. Server-assigned
// ids never carry the tmp- prefix, so the two can never collide.
func NewTempID() string {
	return "tmp-" + uuid.NewString()
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, "tmp-")
}
