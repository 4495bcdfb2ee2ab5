package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns prefix-<random uuid without dashes>.
func New(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
