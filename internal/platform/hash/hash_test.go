package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestText_JoinsWithNewline(t *testing.T) {
	sum := sha256.Sum256([]byte("a\nb\nc"))
	want := hex.EncodeToString(sum[:])
	if got := Text("a", " b ", "c"); got != want {
		t.Fatalf("Text = %s, want %s", got, want)
	}
	if len(Text("")) != 64 {
		t.Fatalf("expected 64 hex chars")
	}
}

func TestCopyAndFile_Agree(t *testing.T) {
	payload := strings.Repeat("evidence-bytes", 1000)

	var buf bytes.Buffer
	sum, n, err := Copy(&buf, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if n != int64(len(payload)) || buf.String() != payload {
		t.Fatalf("copy mismatch: n=%d", n)
	}

	path := filepath.Join(t.TempDir(), "artifact.bin")
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fileSum, size, err := File(path)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if fileSum != sum || size != n {
		t.Fatalf("File=%s/%d, Copy=%s/%d", fileSum, size, sum, n)
	}
}
