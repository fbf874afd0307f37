package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", defaultPageLimit, 0},
		{"custom limit", "limit=50", 50, 0},
		{"custom offset", "offset=10", defaultPageLimit, 10},
		{"both", "limit=25&offset=5", 25, 5},
		{"limit exceeds max", "limit=500", maxPageLimit, 0},
		{"negative limit uses default", "limit=-1", defaultPageLimit, 0},
		{"negative offset uses zero", "offset=-5", defaultPageLimit, 0},
		{"non-numeric limit", "limit=abc", defaultPageLimit, 0},
		{"zero limit uses default", "limit=0", defaultPageLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/audit"
			if tt.query != "" {
				url += "?" + tt.query
			}
			limit, offset := parsePagination(httptest.NewRequest("GET", url, nil))
			assert.Equal(t, tt.wantLimit, limit, "limit")
			assert.Equal(t, tt.wantOffset, offset, "offset")
		})
	}
}

func TestParsePage(t *testing.T) {
	tests := []struct {
		query    string
		wantPage int
		wantSize int
	}{
		{"", 0, 0},
		{"page=2&size=25", 2, 25},
		{"page=-1&size=-3", -1, -3},
		{"page=x&size=y", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			page, size := parsePage(httptest.NewRequest("GET", "/certificates/requests?"+tt.query, nil))
			assert.Equal(t, tt.wantPage, page)
			assert.Equal(t, tt.wantSize, size)
		})
	}
}

func TestPaginationMeta(t *testing.T) {
	assert.True(t, paginationMeta(50, 10, 0, 10).HasMore)
	assert.False(t, paginationMeta(50, 10, 40, 10).HasMore)
	assert.False(t, paginationMeta(5, 10, 100, 0).HasMore)
	assert.Equal(t, PaginationMeta{TotalCount: 3, Limit: 2, Offset: 2, HasMore: false}, paginationMeta(3, 2, 2, 1))
}
