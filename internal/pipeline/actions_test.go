package pipeline

import (
	"context"
	"testing"

	"github.com/qwer2003tw/bouncer/internal/core"
)

func uploadRequest(files ...core.FileEntry) Request {
	return Request{
		Kind:       core.KindUpload,
		Files:      files,
		Reason:     "publish report",
		Source:     "bot-A",
		TrustScope: "bot-A",
		AccountID:  "111111111111",
	}
}

func TestUploadWithoutTrustGoesPending(t *testing.T) {
	f := newFixture(t)
	dec, err := f.pipeline.AdmitUpload(context.Background(),
		uploadRequest(core.FileEntry{Filename: "report.html", Size: 1024}))
	if err != nil {
		t.Fatalf("admit upload: %v", err)
	}
	if dec.Status != core.StatusPending {
		t.Errorf("expected pending, got %s", dec.Status)
	}
	if f.notifier.sentCount() != 1 {
		t.Errorf("expected upload notification, got %d", f.notifier.sentCount())
	}
}

func TestUploadRidesTrustSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.trust.Begin(ctx, "bot-A", "111111111111", "bot-A", "approver"); err != nil {
		t.Fatalf("begin trust: %v", err)
	}

	dec, err := f.pipeline.AdmitUpload(ctx,
		uploadRequest(core.FileEntry{Filename: "report.html", Size: 1024}))
	if err != nil {
		t.Fatalf("admit upload: %v", err)
	}
	if dec.Status != core.StatusTrustAutoApproved {
		t.Fatalf("expected trust_auto_approved, got %s", dec.Status)
	}

	rec, _ := f.store.Get(ctx, dec.RequestID)
	if rec.Status != core.StatusExecutedOK {
		t.Errorf("expected executed_ok record, got %s", rec.Status)
	}
}

func TestBatchUploadAlwaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.trust.Begin(ctx, "bot-A", "111111111111", "bot-A", "approver"); err != nil {
		t.Fatalf("begin trust: %v", err)
	}

	req := uploadRequest(
		core.FileEntry{Filename: "a.html", Size: 10},
		core.FileEntry{Filename: "b.html", Size: 10},
	)
	req.Kind = core.KindUploadBatch
	dec, err := f.pipeline.AdmitUpload(ctx, req)
	if err != nil {
		t.Fatalf("admit batch: %v", err)
	}
	if dec.Status != core.StatusPending {
		t.Errorf("batches must always see a human, got %s", dec.Status)
	}
}

func TestUploadNoFilesRejected(t *testing.T) {
	f := newFixture(t)
	if _, err := f.pipeline.AdmitUpload(context.Background(), uploadRequest()); err == nil {
		t.Error("expected rejection of empty file list")
	}
}

func TestDeployActionGoesPending(t *testing.T) {
	f := newFixture(t)
	dec, err := f.pipeline.AdmitAction(context.Background(), Request{
		Kind: core.KindDeploy, ProjectID: "web",
		Reason: "ship it", Source: "bot-A", TrustScope: "bot-A",
	})
	if err != nil {
		t.Fatalf("admit action: %v", err)
	}
	if dec.Status != core.StatusPending {
		t.Errorf("expected pending deploy, got %s", dec.Status)
	}
	if dec.DisplaySummary != "deploy web" {
		t.Errorf("unexpected summary %q", dec.DisplaySummary)
	}
}
