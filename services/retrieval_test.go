package services

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"netmigrate/models"
)

func TestRetrieval_ArchiveIsSingleUse(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.migrator.Submit(ctx, []models.InputFile{{Name: "wicked.xml", Content: []byte("<interface/>")}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	var path string
	_ = f.ledger.Do(ctx, func(s *LedgerSession) error {
		entry, err := s.Lookup(id)
		path = entry.WorkspacePath
		return err
	})

	data, err := f.retrieval.RetrieveArchive(ctx, id)
	if err != nil {
		t.Fatalf("RetrieveArchive failed: %v", err)
	}

	found := false
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("bad archive: %v", err)
		}
		if hdr.Name == "system-connections/wicked.xml.nmconnection" {
			b, _ := io.ReadAll(tr)
			found = string(b) == "<INTERFACE/>"
		}
	}
	if !found {
		t.Fatal("converted file missing from archive")
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("workspace survived retrieval: %v", err)
	}
	if _, err := f.retrieval.RetrieveArchive(ctx, id); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second retrieval, got %v", err)
	}
	if _, err := f.retrieval.RetrieveRecords(ctx, id); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for records after archive, got %v", err)
	}
}

func TestRetrieval_PackagingFailureStillConsumes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	ws, err := f.workspaces.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	var id string
	_ = f.ledger.Do(ctx, func(s *LedgerSession) error {
		id, err = s.Insert(ws.Path, "")
		return err
	})

	// No converter output was ever produced.
	if _, err := f.retrieval.RetrieveRecords(ctx, id); !errors.Is(err, models.ErrOutputMissing) {
		t.Fatalf("expected ErrOutputMissing, got %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Fatalf("workspace survived failed retrieval: %v", err)
	}
	if _, err := f.retrieval.RetrieveRecords(ctx, id); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetrieval_UnknownID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	if _, err := f.retrieval.RetrieveArchive(context.Background(), "does-not-exist"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetrieval_ClientGoneDuringPackagingStillConsumes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	id, err := f.migrator.Submit(context.Background(), []models.InputFile{{Name: "wicked.xml", Content: []byte("<interface/>")}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var path string
	err = f.retrieval.consume(ctx, id, FormatRecords, func(entry models.JobEntry) error {
		path = entry.WorkspacePath
		cancel()
		return nil
	})
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("workspace survived retrieval: %v", err)
	}
	if _, err := f.retrieval.RetrieveRecords(context.Background(), id); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after cancelled retrieval, got %v", err)
	}
}
