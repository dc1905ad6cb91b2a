package objectstore

import (
	"context"
	"strings"
	"testing"
)

func TestAttachmentKey(t *testing.T) {
	key := AttachmentKey("casewatch", "tenant-1", "resolucion.PDF")
	if !strings.HasPrefix(key, "casewatch/tenant-1/attachments/") {
		t.Fatalf("key = %q", key)
	}
	if !strings.HasSuffix(key, ".pdf") {
		t.Fatalf("key = %q, want lowercase .pdf extension", key)
	}

	// Same name twice yields distinct keys.
	if key == AttachmentKey("casewatch", "tenant-1", "resolucion.PDF") {
		t.Fatalf("attachment keys collide for identical names")
	}

	noPrefix := AttachmentKey("", "tenant-1", "escrito.docx")
	if !strings.HasPrefix(noPrefix, "tenant-1/attachments/") {
		t.Fatalf("key without prefix = %q", noPrefix)
	}

	noExt := AttachmentKey("p", "tenant-1", "document")
	if strings.Contains(noExt[strings.LastIndex(noExt, "/"):], ".") {
		t.Fatalf("extension invented for extensionless name: %q", noExt)
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Put(ctx, "a/b.pdf", strings.NewReader("blob")); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, ok := m.Get("a/b.pdf")
	if !ok || string(data) != "blob" {
		t.Fatalf("get = %q, %v", data, ok)
	}
	if _, ok := m.Get("missing"); ok {
		t.Fatalf("missing key found")
	}
	if m.Len() != 1 {
		t.Fatalf("len = %d", m.Len())
	}
}
