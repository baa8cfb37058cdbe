package validate

import (
	"strings"
	"testing"
)

type sample struct {
	Name  string  `json:"name" validate:"required"`
	Score float64 `json:"score" validate:"gte=0,lte=1"`
	Mode  string  `mapstructure:"mode" validate:"oneof=a b"`
}

func TestStruct(t *testing.T) {
	if err := Struct(sample{Name: "x", Score: 0.5, Mode: "a"}); err != nil {
		t.Fatalf("valid struct: %v", err)
	}

	err := Struct(sample{Score: 2, Mode: "c"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"sample.name is required", "sample.score must be less than or equal to 1", "sample.mode must be one of: a b"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}
