package pagination

import "testing"

func TestClampPageSize(t *testing.T) {
	cfg := PageSizeConfig{Default: 20, Max: 100}

	cases := []struct {
		name  string
		value int
		want  int
	}{
		{name: "zero uses default", value: 0, want: 20},
		{name: "negative uses default", value: -5, want: 20},
		{name: "within limits", value: 50, want: 50},
		{name: "above max clamps", value: 500, want: 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClampPageSize(tc.value, cfg); got != tc.want {
				t.Fatalf("ClampPageSize(%d) = %d, want %d", tc.value, got, tc.want)
			}
		})
	}
}

func TestClampPageSizeNoDefaults(t *testing.T) {
	if got := ClampPageSize(0, PageSizeConfig{}); got != 1 {
		t.Fatalf("ClampPageSize(0) = %d, want 1", got)
	}
}

func TestNormalizeOrderBy(t *testing.T) {
	cfg := OrderByConfig{Default: "created_at desc", Allowed: []string{"created_at desc", "created_at asc"}}

	got, err := NormalizeOrderBy("", cfg)
	if err != nil {
		t.Fatalf("NormalizeOrderBy empty: %v", err)
	}
	if got != "created_at desc" {
		t.Fatalf("NormalizeOrderBy empty = %q, want default", got)
	}

	got, err = NormalizeOrderBy("created_at asc", cfg)
	if err != nil {
		t.Fatalf("NormalizeOrderBy allowed: %v", err)
	}
	if got != "created_at asc" {
		t.Fatalf("NormalizeOrderBy = %q, want %q", got, "created_at asc")
	}

	if _, err := NormalizeOrderBy("updated_at desc", cfg); err == nil {
		t.Fatal("expected error for disallowed order_by, got nil")
	}
}
