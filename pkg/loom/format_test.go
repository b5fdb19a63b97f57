package loom

import (
	"bytes"
	"go/format"
	"os"
	"path/filepath"
	"testing"
)

func TestSourcesAreGofmted(t *testing.T) {
	t.Parallel()
	files, err := filepath.Glob("*.go")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no Go files found")
	}
	for _, name := range files {
		name := name
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			src, err := os.ReadFile(name)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			got, err := format.Source(src)
			if err != nil {
				t.Fatalf("format %s: %v", name, err)
			}
			if !bytes.Equal(src, got) {
				t.Fatalf("%s is not gofmt-formatted", name)
			}
		})
	}
}
