package core

import "testing"

func TestParsePage(t *testing.T) {
	if p, err := parsePage(""); err != nil || p != 1 {
		t.Fatalf("empty page: %d %v", p, err)
	}
	if p, err := parsePage("3"); err != nil || p != 3 {
		t.Fatalf("page 3: %d %v", p, err)
	}
	if _, err := parsePage("0"); err == nil {
		t.Fatalf("page 0 must be rejected")
	}
	if _, err := parsePage("-1"); err == nil {
		t.Fatalf("negative page must be rejected")
	}
	if _, err := parsePage("abc"); err == nil {
		t.Fatalf("non-numeric page must be rejected")
	}
}

func TestCalcTotalPages(t *testing.T) {
	cases := []struct{ total, perPage, want int }{
		{0, 20, 0},
		{1, 20, 1},
		{20, 20, 1},
		{21, 20, 2},
		{40, 20, 2},
		{41, 20, 3},
	}
	for _, tc := range cases {
		if got := calcTotalPages(tc.total, tc.perPage); got != tc.want {
			t.Fatalf("calcTotalPages(%d,%d)=%d want %d", tc.total, tc.perPage, got, tc.want)
		}
	}
}

func TestParseBoolQuery(t *testing.T) {
	if !parseBoolQuery("true") || !parseBoolQuery("1") {
		t.Fatalf("true values must parse")
	}
	if parseBoolQuery("") || parseBoolQuery("false") || parseBoolQuery("junk") {
		t.Fatalf("absent/false/garbage must be false")
	}
}
