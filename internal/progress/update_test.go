package progress

import "testing"

func TestParseUpdate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Update
		ok   bool
	}{
		{name: "numbers", in: `{"type":"upload_progress","loaded":10,"total":40}`, want: Update{Type: "upload_progress", Loaded: 10, Total: 40}, ok: true},
		{name: "numeric strings", in: `{"type":"upload_progress","loaded":"10","total":"40"}`, want: Update{Type: "upload_progress", Loaded: 10, Total: 40}, ok: true},
		{name: "fractional", in: `{"type":"upload_progress","loaded":10.7,"total":40}`, want: Update{Type: "upload_progress", Loaded: 10, Total: 40}, ok: true},
		{name: "other type", in: `{"type":"status"}`, want: Update{Type: "status"}, ok: true},
		{name: "missing type", in: `{"loaded":1,"total":2}`, ok: false},
		{name: "blank type", in: `{"type":"  "}`, ok: false},
		{name: "not json", in: `upload 50%`, ok: false},
		{name: "array", in: `[1,2]`, ok: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseUpdate(tc.in)
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestUpdatePercent(t *testing.T) {
	tests := []struct {
		loaded, total int64
		want          int
	}{
		{loaded: 0, total: 100, want: 0},
		{loaded: 1, total: 3, want: 33},
		{loaded: 2, total: 3, want: 67},
		{loaded: 100, total: 100, want: 100},
		{loaded: 150, total: 100, want: 100},
		{loaded: 50, total: 0, want: 0},
		{loaded: 50, total: -1, want: 0},
	}

	for _, tc := range tests {
		u := Update{Type: TypeUploadProgress, Loaded: tc.loaded, Total: tc.total}
		if got := u.Percent(); got != tc.want {
			t.Fatalf("Percent(%d/%d): expected %d, got %d", tc.loaded, tc.total, tc.want, got)
		}
	}
}
