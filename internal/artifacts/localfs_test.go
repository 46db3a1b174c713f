package artifacts

import (
	"os"
	"strings"
	"testing"
)

func TestDir_SaveAndOpen(t *testing.T) {
	d, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	key, err := d.Save("abc.jpg", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if key != "abc.jpg" {
		t.Fatalf("unexpected key %q", key)
	}
	if !d.Exists(key) {
		t.Fatal("saved artifact does not exist")
	}

	f, err := d.Open(key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	content, _ := os.ReadFile(f.Name())
	if string(content) != "payload" {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestDir_RejectsEscapingKeys(t *testing.T) {
	d, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"../escape.jpg", "/abs.jpg", "."} {
		if _, err := d.Save(key, strings.NewReader("x")); err == nil {
			t.Fatalf("key %q must be rejected", key)
		}
		if d.Exists(key) {
			t.Fatalf("key %q must not exist", key)
		}
	}
}

func TestDir_NoPartialArtifacts(t *testing.T) {
	d, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// A reader that fails mid-copy must not leave the target file behind.
	if _, err := d.Save("broken.jpg", failingReader{}); err == nil {
		t.Fatal("expected copy error")
	}
	if d.Exists("broken.jpg") {
		t.Fatal("partial artifact visible after failed save")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, os.ErrClosed }
