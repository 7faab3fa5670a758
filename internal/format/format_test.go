package format

import "testing"

func TestBytesDefaultPrecision(t *testing.T) {
	tests := []struct {
		value uint64
		want  string
	}{
		{0, "0 B"},
		{1, "1 B"},
		{1023, "1023 B"},
		{1024, "1.00 KiB"},
		{1024 * 99, "99.0 KiB"},
		{1024 * 100, "100 KiB"},
		{1024 * 1023, "1023 KiB"},
		{1 << 60, "1.00 EiB"},
		{^uint64(0), "16.0 EiB"},
	}

	for _, tt := range tests {
		if got := Bytes(tt.value); got != tt.want {
			t.Errorf("Bytes(%d) = %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestBytesExplicitPrecision(t *testing.T) {
	tests := []struct {
		value     uint64
		precision int
		want      string
	}{
		{0, 0, "0 B"},
		{1, 0, "1 B"},
		{1023, 0, "1023 B"},
		{1024, 0, "1 KiB"},
		{1024 * 99, 0, "99 KiB"},
		{1024 * 100, 0, "100 KiB"},
		{1024 * 1023, 0, "1023 KiB"},
		{1 << 60, 0, "1 EiB"},
		{^uint64(0), 0, "16 EiB"},
		{1, 1, "1 B"},
		{1023, 1, "1023 B"},
		{1024, 1, "1 KiB"},
		{1, 5, "1 B"},
		{1023, 5, "1023 B"},
		{1024, 5, "1.0000 KiB"},
		{1025, 5, "1.0010 KiB"},
	}

	for _, tt := range tests {
		if got := BytesWithPrecision(tt.value, tt.precision); got != tt.want {
			t.Errorf("BytesWithPrecision(%d, %d) = %q, want %q", tt.value, tt.precision, got, tt.want)
		}
	}
}

func TestThousandsSeparator(t *testing.T) {
	tests := []struct {
		value uint64
		want  string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{2000000, "2,000,000"},
		{123456789, "123,456,789"},
	}

	for _, tt := range tests {
		if got := ThousandsSeparator(tt.value); got != tt.want {
			t.Errorf("ThousandsSeparator(%d) = %q, want %q", tt.value, got, tt.want)
		}
	}
}
