package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-rendermap/config"
)

func newTempFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	store, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	return store
}

func TestFilesystem_PutGetListDelete(t *testing.T) {
	ctx := context.Background()
	store := newTempFilesystem(t)

	info, err := store.Put(ctx, "Dell_S2722QC/Dell_S2722QC_epoch_0010.json", bytes.NewReader([]byte("hello")))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 5 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}

	// Put replaces.
	if _, err := store.Put(ctx, "Dell_S2722QC/Dell_S2722QC_epoch_0010.json", bytes.NewReader([]byte("bye"))); err != nil {
		t.Fatalf("second put: %v", err)
	}
	rc, err := store.Get(ctx, "Dell_S2722QC/Dell_S2722QC_epoch_0010.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "bye" {
		t.Fatalf("got %q, want bye", b)
	}

	if _, err := store.Put(ctx, "LG_27UL500/LG_27UL500_epoch_0010.json", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("put: %v", err)
	}
	list, err := store.List(ctx, "Dell_S2722QC/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "Dell_S2722QC/Dell_S2722QC_epoch_0010.json" {
		t.Fatalf("unexpected list %+v", list)
	}
	all, err := store.List(ctx, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("list all: %v %+v", err, all)
	}

	if err := store.Delete(ctx, "Dell_S2722QC/Dell_S2722QC_epoch_0010.json"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "Dell_S2722QC/Dell_S2722QC_epoch_0010.json"); err != nil {
		t.Fatalf("delete missing should be a no-op: %v", err)
	}
	if _, err := store.Get(ctx, "Dell_S2722QC/Dell_S2722QC_epoch_0010.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFilesystem_NoTempFilesLeft(t *testing.T) {
	root := t.TempDir()
	store, err := NewFilesystem(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(context.Background(), "a.json", bytes.NewReader([]byte("{}"))); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "a.json" {
		t.Fatalf("unexpected entries in %s: %v", filepath.Base(root), entries)
	}
}

func TestFilesystem_InvalidKeys(t *testing.T) {
	store := newTempFilesystem(t)
	for _, key := range []string{"", "  ", "/abs", "../escape", "a/../../b"} {
		if _, err := store.Put(context.Background(), key, bytes.NewReader(nil)); err == nil {
			t.Errorf("expected error for key %q", key)
		}
	}
}

func TestFilesystem_CanceledContext(t *testing.T) {
	store := newTempFilesystem(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Put(ctx, "a", bytes.NewReader(nil)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, config.ArchiveConfig{})
	if err != nil || store != nil {
		t.Fatalf("empty driver should disable archiving, got %v %v", store, err)
	}

	store, err = New(ctx, config.ArchiveConfig{Driver: "fs", Root: t.TempDir()})
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	if store.Driver() != DriverFilesystem {
		t.Fatalf("driver = %s", store.Driver())
	}

	store, err = New(ctx, config.ArchiveConfig{Driver: "s3", Bucket: "ckpt", Region: "eu-west-1", AccessKeyID: "AKIA", SecretAccessKey: "SECRET"})
	if err != nil {
		t.Fatalf("s3: %v", err)
	}
	if store.Driver() != DriverS3 {
		t.Fatalf("driver = %s", store.Driver())
	}

	if _, err := New(ctx, config.ArchiveConfig{Driver: "s3"}); err == nil {
		t.Fatal("expected missing bucket error")
	}
	if _, err := New(ctx, config.ArchiveConfig{Driver: "gcs"}); err == nil {
		t.Fatal("expected unknown driver error")
	}
}
