// Package objectstore persists downloaded attachment blobs. The engine
// writes under {prefix}/{tenantId}/attachments/{uuid}.{ext}; the downstream
// notification dispatcher reads the same keys.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Store is the blob interface the worker writes attachments through.
type Store interface {
	// Put uploads the reader's content under key.
	Put(ctx context.Context, key string, r io.Reader) error
	Close() error
}

// AttachmentKey builds the storage key for one attachment. The uuid keeps
// same-named files from different binnacles apart; the original name only
// contributes its extension.
func AttachmentKey(prefix, tenantID, originalName string) string {
	ext := strings.ToLower(path.Ext(originalName))
	key := fmt.Sprintf("%s/attachments/%s%s", tenantID, uuid.NewString(), ext)
	if prefix != "" {
		key = strings.TrimSuffix(prefix, "/") + "/" + key
	}
	return key
}
