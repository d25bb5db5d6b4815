package store

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBlobStore(ctx, "mem://")
	if err != nil {
		t.Fatalf("Can't open in-memory store: %v\n", err)
	}
	defer s.Close()

	// missing keys read back as nil without error
	data, err := s.Read(ctx, "absent")
	if err != nil {
		t.Fatalf("Read of missing key errored: %v\n", err)
	}
	if data != nil {
		t.Errorf("Read of missing key returned %d bytes, expected nil\n", len(data))
	}
	exists, err := s.Exists(ctx, "absent")
	if err != nil || exists {
		t.Errorf("Exists on missing key: %v, %v\n", exists, err)
	}

	value := []byte("chunk payload")
	if err := s.Write(ctx, "a/b/c", value); err != nil {
		t.Fatalf("Can't write: %v\n", err)
	}
	exists, err = s.Exists(ctx, "a/b/c")
	if err != nil || !exists {
		t.Fatalf("Exists after write: %v, %v\n", exists, err)
	}
	data, err = s.Read(ctx, "a/b/c")
	if err != nil {
		t.Fatalf("Can't read: %v\n", err)
	}
	if !bytes.Equal(data, value) {
		t.Errorf("Read back %q, expected %q\n", data, value)
	}

	if err := s.Delete(ctx, "a/b/c"); err != nil {
		t.Fatalf("Can't delete: %v\n", err)
	}
	if data, _ := s.Read(ctx, "a/b/c"); data != nil {
		t.Errorf("Key survived delete\n")
	}
	// deleting an already-missing key is not an error
	if err := s.Delete(ctx, "a/b/c"); err != nil {
		t.Errorf("Repeat delete errored: %v\n", err)
	}
}
