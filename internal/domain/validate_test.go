package domain

import (
	"errors"
	"testing"
)

func TestParseAltNames(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		want    []string
		wantErr error
	}{
		{name: "nil means unspecified", input: nil, want: nil},
		{name: "array of strings", input: []any{"a", "b"}, want: []string{"a", "b"}},
		{name: "not an array", input: "a", wantErr: ErrInvalidType},
		{name: "object", input: map[string]any{"a": "b"}, wantErr: ErrInvalidType},
		{name: "non-string element", input: []any{"a", 1.0}, wantErr: ErrInvalidType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAltNames(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("want %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("want %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("index %d: want %s, got %s", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestParseAltName(t *testing.T) {
	if name, err := ParseAltName("mongerKey"); err != nil || name != "mongerKey" {
		t.Fatalf("want mongerKey, got %q (%v)", name, err)
	}

	for _, v := range []any{[]any{"a"}, map[string]any{"a": 1.0}, 3.0, true, nil} {
		if _, err := ParseAltName(v); !errors.Is(err, ErrInvalidType) {
			t.Errorf("input %v: want ErrInvalidType, got %v", v, err)
		}
	}

	if _, err := ParseAltName("  "); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("want ErrInvalidArgument for blank name, got %v", err)
	}
}

func TestValidateAltNames_Duplicate(t *testing.T) {
	err := ValidateAltNames([]string{"a", "b", "a"})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("want ErrInvalidArgument, got %v", err)
	}
}

func TestParseAlgorithm(t *testing.T) {
	if _, err := ParseAlgorithm(string(AlgorithmDeterministic)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := ParseAlgorithm(string(AlgorithmRandom)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := ParseAlgorithm("AES-ECB"); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Errorf("want ErrUnknownAlgorithm, got %v", err)
	}
}
