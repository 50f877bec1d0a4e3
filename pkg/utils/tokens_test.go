package utils

import (
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{
			name: "Empty string",
			text: "",
			want: 0,
		},
		{
			name: "4 characters",
			text: "test",
			want: 1,
		},
		{
			name: "8 characters",
			text: "testtest",
			want: 2,
		},
		{
			name: "10 characters",
			text: "hellohello",
			want: 2, // 10 / 4 = 2
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokens(tt.text)
			if got != tt.want {
				t.Errorf("EstimateTokens() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEstimateTokensDense(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{
			name: "Empty string",
			text: "",
			want: 0,
		},
		{
			name: "7 characters rounds to 2",
			text: "abcdefg",
			want: 2,
		},
		{
			name: "35 characters",
			text: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			want: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokensDense(tt.text)
			if got != tt.want {
				t.Errorf("EstimateTokensDense() = %v, want %v", got, tt.want)
			}
		})
	}
}

func BenchmarkEstimateTokens(b *testing.B) {
	text := "This is a benchmark test for the rough token estimation function."

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		EstimateTokens(text)
	}
}
