package validation

import "testing"

func TestNormalizeMemberCode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "lowercase with spaces",
			raw:  "  wf-2024-000123 ",
			want: "WF-2024-000123",
		},
		{
			name: "already normalized",
			raw:  "WF-2024-000123",
			want: "WF-2024-000123",
		},
		{
			name: "tab and newline",
			raw:  "\tWF-2025-999999\n",
			want: "WF-2025-999999",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeMemberCode(tt.raw)
			if got != tt.want {
				t.Fatalf("NormalizeMemberCode(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestIsValidMemberCode(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		valid bool
	}{
		{
			name:  "valid code",
			code:  "WF-2024-000123",
			valid: true,
		},
		{
			name:  "wrong prefix",
			code:  "WX-2024-000123",
			valid: false,
		},
		{
			name:  "letters in number part",
			code:  "WF-2024-00a123",
			valid: false,
		},
		{
			name:  "too short",
			code:  "WF-2024-123",
			valid: false,
		},
		{
			name:  "missing dash",
			code:  "WF-20240000123",
			valid: false,
		},
		{
			name:  "empty string",
			code:  "",
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidMemberCode(tt.code)
			if got != tt.valid {
				t.Fatalf("IsValidMemberCode(%q) = %v, want %v", tt.code, got, tt.valid)
			}
		})
	}
}
