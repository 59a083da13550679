package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return echo.New().NewContext(req, httptest.NewRecorder())
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=50&offset=10", 50, 10},
		{"?limit=500", MaxLimit, 0},
		{"?limit=-3&offset=-7", DefaultLimit, 0},
		{"?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := FromContext(contextFor("/responses" + tt.query))
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("%q: got limit=%d offset=%d, want %d/%d", tt.query, p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestParams_Navigation(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if !p.HasNext(16) || p.HasNext(15) {
		t.Error("HasNext boundary wrong")
	}
	if !p.HasPrevious() || (Params{Limit: 10}).HasPrevious() {
		t.Error("HasPrevious wrong")
	}
	if p.NextOffset() != 15 {
		t.Errorf("NextOffset = %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("PreviousOffset should clamp to 0, got %d", p.PreviousOffset())
	}
	if (Params{Limit: 10, Offset: 30}).PreviousOffset() != 20 {
		t.Error("PreviousOffset wrong")
	}
}

func TestParams_Links(t *testing.T) {
	p := Params{Limit: 10, Offset: 10}
	query := url.Values{"status": {"completed"}, "limit": {"10"}, "offset": {"10"}}

	l := p.Links("/api/v1/health-questionnaires/responses", query, 25)
	if l.Next != "/api/v1/health-questionnaires/responses?limit=10&offset=20&status=completed" {
		t.Errorf("unexpected next %q", l.Next)
	}
	if l.Previous != "/api/v1/health-questionnaires/responses?limit=10&offset=0&status=completed" {
		t.Errorf("unexpected previous %q", l.Previous)
	}

	last := Params{Limit: 10, Offset: 20}.Links("/r", nil, 25)
	if last.Next != "" {
		t.Errorf("last page should have no next link, got %q", last.Next)
	}
	if empty := (Params{Limit: 10}).Links("/r", nil, 0); empty != (Links{}) {
		t.Errorf("expected no links for empty result, got %+v", empty)
	}
}

func TestFromRequest(t *testing.T) {
	c := contextFor("/responses?limit=2")
	p := FromContext(c)

	r := FromRequest(c, []string{"a", "b"}, 5, p)
	if r.Total != 5 || r.Limit != 2 || r.Offset != 0 || !r.HasMore {
		t.Errorf("unexpected envelope %+v", r)
	}
	if r.Links.Next != "/responses?limit=2&offset=2" || r.Links.Previous != "" {
		t.Errorf("unexpected links %+v", r.Links)
	}
}
