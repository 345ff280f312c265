package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marmos91/blobdict/pkg/blobstore"
)

func TestWriteAndRead(t *testing.T) {
	ctx := context.Background()
	c := NewContainer("test")

	obj := c.Object("folder/key1")

	props, err := obj.Write(ctx, []byte("hello"), blobstore.Conditions{})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if props.VersionToken == "" {
		t.Error("Write returned empty version token")
	}

	data, readProps, err := obj.Read(ctx, blobstore.Conditions{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Read returned %q, want %q", data, "hello")
	}
	if readProps.VersionToken != props.VersionToken {
		t.Errorf("version token changed between write and read")
	}
}

func TestReadNotFound(t *testing.T) {
	ctx := context.Background()
	c := NewContainer("test")

	_, _, err := c.Object("missing").Read(ctx, blobstore.Conditions{})
	if !errors.Is(err, blobstore.ErrNotFound) {
		t.Errorf("Read returned %v, want ErrNotFound", err)
	}
}

func TestConditionalWrite(t *testing.T) {
	ctx := context.Background()
	c := NewContainer("test")
	obj := c.Object("key")

	props, err := obj.Write(ctx, []byte("v1"), blobstore.Conditions{})
	if err != nil {
		t.Fatalf("initial write failed: %v", err)
	}

	// IfNoneMatch against an existing object.
	_, err = obj.Write(ctx, []byte("v2"), blobstore.Conditions{IfNoneMatch: true})
	if !errors.Is(err, blobstore.ErrAlreadyExists) {
		t.Errorf("IfNoneMatch write returned %v, want ErrAlreadyExists", err)
	}

	// IfMatch with the current token succeeds.
	props2, err := obj.Write(ctx, []byte("v2"), blobstore.Conditions{IfMatch: props.VersionToken})
	if err != nil {
		t.Fatalf("IfMatch write failed: %v", err)
	}

	// IfMatch with the stale token fails.
	_, err = obj.Write(ctx, []byte("v3"), blobstore.Conditions{IfMatch: props.VersionToken})
	if !errors.Is(err, blobstore.ErrVersionMismatch) {
		t.Errorf("stale IfMatch write returned %v, want ErrVersionMismatch", err)
	}

	if props2.VersionToken == props.VersionToken {
		t.Error("version token did not change on overwrite")
	}
}

func TestDeleteConditions(t *testing.T) {
	ctx := context.Background()
	c := NewContainer("test")
	obj := c.Object("key")

	if err := obj.Delete(ctx, blobstore.Conditions{}); !errors.Is(err, blobstore.ErrNotFound) {
		t.Errorf("delete of absent object returned %v, want ErrNotFound", err)
	}

	props, _ := obj.Write(ctx, []byte("v1"), blobstore.Conditions{})
	if _, err := obj.Write(ctx, []byte("v2"), blobstore.Conditions{}); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	if err := obj.Delete(ctx, blobstore.Conditions{IfMatch: props.VersionToken}); !errors.Is(err, blobstore.ErrVersionMismatch) {
		t.Errorf("stale conditioned delete returned %v, want ErrVersionMismatch", err)
	}

	if err := obj.Delete(ctx, blobstore.Conditions{}); err != nil {
		t.Fatalf("unconditioned delete failed: %v", err)
	}
}

func TestLeaseExclusion(t *testing.T) {
	ctx := context.Background()
	c := NewContainer("test")
	obj := c.Object("key")

	if _, err := obj.Write(ctx, []byte("v1"), blobstore.Conditions{}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	token, err := obj.AcquireLease(ctx, 60, blobstore.Conditions{})
	if err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	// Second acquire is rejected while the lease is active.
	if _, err := obj.AcquireLease(ctx, 60, blobstore.Conditions{}); !errors.Is(err, blobstore.ErrAlreadyLeased) {
		t.Errorf("second acquire returned %v, want ErrAlreadyLeased", err)
	}

	// Writes without the token are rejected; with the token they pass.
	if _, err := obj.Write(ctx, []byte("v2"), blobstore.Conditions{}); !errors.Is(err, blobstore.ErrAlreadyLeased) {
		t.Errorf("write without lease token returned %v, want ErrAlreadyLeased", err)
	}
	if _, err := obj.Write(ctx, []byte("v2"), blobstore.Conditions{LeaseToken: token}); err != nil {
		t.Errorf("write with lease token failed: %v", err)
	}

	if err := obj.BreakLease(ctx, token); err != nil {
		t.Fatalf("BreakLease failed: %v", err)
	}
	if _, err := obj.AcquireLease(ctx, 60, blobstore.Conditions{}); err != nil {
		t.Errorf("acquire after break failed: %v", err)
	}
}

func TestLeaseExpiry(t *testing.T) {
	ctx := context.Background()

	now := time.Unix(1000, 0)
	c := NewContainer("test", WithClock(func() time.Time { return now }))
	obj := c.Object("key")

	if _, err := obj.Write(ctx, []byte("v1"), blobstore.Conditions{}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	token, err := obj.AcquireLease(ctx, 15, blobstore.Conditions{})
	if err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	// Renew pushes expiry forward from the current clock.
	now = now.Add(10 * time.Second)
	if err := obj.RenewLease(ctx, token); err != nil {
		t.Fatalf("RenewLease failed: %v", err)
	}

	// Past the renewed expiry the lease is gone and renew reports it.
	now = now.Add(16 * time.Second)
	if err := obj.RenewLease(ctx, token); !errors.Is(err, blobstore.ErrLeaseLost) {
		t.Errorf("renew of expired lease returned %v, want ErrLeaseLost", err)
	}

	if _, err := obj.AcquireLease(ctx, 15, blobstore.Conditions{}); err != nil {
		t.Errorf("acquire after expiry failed: %v", err)
	}
}

func TestBreakLeaseStaleToken(t *testing.T) {
	ctx := context.Background()

	now := time.Unix(1000, 0)
	c := NewContainer("test", WithClock(func() time.Time { return now }))
	obj := c.Object("key")

	if _, err := obj.Write(ctx, []byte("v1"), blobstore.Conditions{}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := obj.AcquireLease(ctx, 15, blobstore.Conditions{}); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	// A stale token cannot break the active lease.
	if err := obj.BreakLease(ctx, "not-the-token"); !errors.Is(err, blobstore.ErrLeaseLost) {
		t.Errorf("stale break of active lease returned %v, want ErrLeaseLost", err)
	}
	if _, err := obj.AcquireLease(ctx, 15, blobstore.Conditions{}); !errors.Is(err, blobstore.ErrAlreadyLeased) {
		t.Errorf("acquire after failed break returned %v, want ErrAlreadyLeased", err)
	}

	// Once the lease expired, any token clears the leftover state.
	now = now.Add(16 * time.Second)
	if err := obj.BreakLease(ctx, "not-the-token"); err != nil {
		t.Errorf("break of expired lease failed: %v", err)
	}
	if _, err := obj.AcquireLease(ctx, 15, blobstore.Conditions{}); err != nil {
		t.Errorf("acquire after break failed: %v", err)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	c := NewContainer("test")

	for _, name := range []string{"dict/a", "dict/b", "dict/sub/c", "other/x"} {
		if _, err := c.Object(name).Write(ctx, []byte("v"), blobstore.Conditions{}); err != nil {
			t.Fatalf("write %s failed: %v", name, err)
		}
	}

	infos, err := c.List(ctx, "dict/", "/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	var names []string
	var prefixes []string
	for _, info := range infos {
		if info.IsPrefix {
			prefixes = append(prefixes, info.Name)
		} else {
			names = append(names, info.Name)
		}
	}

	if len(names) != 2 || names[0] != "dict/a" || names[1] != "dict/b" {
		t.Errorf("List names = %v, want [dict/a dict/b]", names)
	}
	if len(prefixes) != 1 || prefixes[0] != "dict/sub/" {
		t.Errorf("List prefixes = %v, want [dict/sub/]", prefixes)
	}
}
