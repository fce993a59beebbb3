package paging

import (
	"context"
	"strings"
	"testing"

	"github.com/qwer2003tw/bouncer/internal/core"
	"github.com/qwer2003tw/bouncer/internal/db"
	"github.com/qwer2003tw/bouncer/internal/store"
)

func newTestPager(t *testing.T, pageSize, maxInline int) *Pager {
	t.Helper()
	d, err := db.OpenMetadataDB(t.TempDir())
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return New(store.New(d, nil), pageSize, maxInline, nil)
}

func TestShortOutputUnpaged(t *testing.T) {
	p := newTestPager(t, 100, 100)
	paged, err := p.Store(context.Background(), "req-1", "short output")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if paged.Paged || paged.Result != "short output" {
		t.Errorf("short output must pass through: %+v", paged)
	}
}

func TestLongOutputPagedAtLineBoundaries(t *testing.T) {
	p := newTestPager(t, 50, 50)
	ctx := context.Background()

	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, strings.Repeat("x", 20))
	}
	output := strings.Join(lines, "\n")

	paged, err := p.Store(ctx, "req-1", output)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !paged.Paged || paged.TotalPages < 2 {
		t.Fatalf("expected paging: %+v", paged)
	}
	if paged.NextPage != "req-1:page:2" {
		t.Errorf("unexpected next-page token %q", paged.NextPage)
	}
	if len(paged.Result) > 50 {
		t.Errorf("first page exceeds size: %d", len(paged.Result))
	}

	// Reassembling every page restores the original output.
	full := paged.Result
	next := paged.NextPage
	for next != "" {
		page, err := p.Get(ctx, next)
		if err != nil {
			t.Fatalf("get %s: %v", next, err)
		}
		full += page.Result
		next = page.NextPage
	}
	if full != output {
		t.Errorf("reassembled output differs: %d vs %d chars", len(full), len(output))
	}
}

func TestPageIDFormat(t *testing.T) {
	if got := PageID("abc", 3); got != "abc:page:3" {
		t.Errorf("unexpected page id %q", got)
	}
}

func TestGetMissingPage(t *testing.T) {
	p := newTestPager(t, 50, 50)
	if _, err := p.Get(context.Background(), "nope:page:2"); err != core.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSingleLongLineSplitMidLine(t *testing.T) {
	p := newTestPager(t, 40, 40)
	output := strings.Repeat("z", 120)
	paged, err := p.Store(context.Background(), "req-1", output)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !paged.Paged || paged.TotalPages != 3 {
		t.Errorf("expected 3 pages for 120 chars at size 40, got %+v", paged)
	}
}
