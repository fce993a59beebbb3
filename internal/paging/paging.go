// Package paging splits long command results into addressable pages stored
// with a short TTL.
package paging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/qwer2003tw/bouncer/internal/core"
	"github.com/qwer2003tw/bouncer/internal/store"
)

const pageTTL = time.Hour

// Paged describes the stored pages for one result.
type Paged struct {
	Paged        bool   `json:"paged"`
	Result       string `json:"result"`
	Page         int    `json:"page,omitempty"`
	TotalPages   int    `json:"total_pages,omitempty"`
	OutputLength int    `json:"output_length,omitempty"`
	NextPage     string `json:"next_page,omitempty"`
}

// PageResult is one retrieved page.
type PageResult struct {
	Result     string `json:"result"`
	Page       int    `json:"page"`
	TotalPages int    `json:"total_pages"`
	NextPage   string `json:"next_page,omitempty"`
}

// Pager stores and retrieves result pages.
type Pager struct {
	store     *store.Store
	pageSize  int
	maxInline int
	clock     core.Clock
}

// New creates a pager. maxInline is the largest result returned without
// paging; pageSize bounds each stored chunk.
func New(s *store.Store, pageSize, maxInline int, clock core.Clock) *Pager {
	if clock == nil {
		clock = core.RealClock{}
	}
	if pageSize <= 0 {
		pageSize = 3500
	}
	if maxInline <= 0 {
		maxInline = pageSize
	}
	return &Pager{store: s, pageSize: pageSize, maxInline: maxInline, clock: clock}
}

// PageID formats the addressable id of page k for a request.
func PageID(requestID string, k int) string {
	return fmt.Sprintf("%s:page:%d", requestID, k)
}

// Store splits output at line boundaries into pages of at most pageSize
// characters, persists pages 2..n, and returns page 1 inline with a next-page
// token. Short output passes through unpaged.
func (p *Pager) Store(ctx context.Context, requestID, output string) (Paged, error) {
	if len(output) <= p.maxInline {
		return Paged{Result: output}, nil
	}

	chunks := splitAtLines(output, p.pageSize)
	total := len(chunks)
	expires := p.clock.Now().Add(pageTTL)

	for i := 1; i < total; i++ {
		page := store.Page{
			PageID:     PageID(requestID, i+1),
			RequestID:  requestID,
			Page:       i + 1,
			TotalPages: total,
			Content:    chunks[i],
			ExpiresAt:  expires,
		}
		if err := p.store.PutPage(ctx, page); err != nil {
			return Paged{}, fmt.Errorf("storing page %d: %w", i+1, err)
		}
	}

	out := Paged{
		Paged:        true,
		Result:       chunks[0],
		Page:         1,
		TotalPages:   total,
		OutputLength: len(output),
	}
	if total > 1 {
		out.NextPage = PageID(requestID, 2)
	}
	return out, nil
}

// Get retrieves page k by its id.
func (p *Pager) Get(ctx context.Context, pageID string) (PageResult, error) {
	page, err := p.store.GetPage(ctx, pageID)
	if err != nil {
		return PageResult{}, err
	}
	out := PageResult{
		Result:     page.Content,
		Page:       page.Page,
		TotalPages: page.TotalPages,
	}
	if page.Page < page.TotalPages {
		out.NextPage = PageID(page.RequestID, page.Page+1)
	}
	return out, nil
}

// splitAtLines chunks s into pieces of at most size characters, preferring
// line boundaries. A single line longer than size is split mid-line.
func splitAtLines(s string, size int) []string {
	var chunks []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}

	for _, line := range strings.SplitAfter(s, "\n") {
		for len(line) > size {
			flush()
			chunks = append(chunks, line[:size])
			line = line[size:]
		}
		if cur.Len()+len(line) > size {
			flush()
		}
		cur.WriteString(line)
	}
	flush()

	if len(chunks) == 0 {
		chunks = []string{""}
	}
	return chunks
}
