package bridge

import (
	"slices"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestParseList(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []string
	}{
		{"comma string", " 10.0.0.1, ,10.0.0.2 ", []string{"10.0.0.1", "10.0.0.2"}},
		{"json list", []any{"a", " b ", "", float64(3)}, []string{"a", "b", "3"}},
		{"string slice", []string{"x", "y"}, []string{"x", "y"}},
		{"empty string", "", []string{}},
		{"nil", nil, []string{}},
		{"number", float64(4), []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseList(tt.in); !slices.Equal(got, tt.want) {
				t.Errorf("parseList(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestUnion_PreservesOrder(t *testing.T) {
	got := union([]string{"b", "a", "b"}, []string{"c", "a", "d"})
	want := []string{"b", "a", "c", "d"}
	if !slices.Equal(got, want) {
		t.Errorf("union() = %q, want %q", got, want)
	}
}

func TestMergeBlockedIPs(t *testing.T) {
	merged, changed := mergeBlockedIPs("10.0.0.1,10.0.0.2", []string{"10.0.0.2", "10.0.0.3"})
	if !changed {
		t.Error("changed = false, want true")
	}
	if want := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}; !slices.Equal(merged, want) {
		t.Errorf("merged = %q, want %q", merged, want)
	}

	if _, changed := mergeBlockedIPs([]any{"10.0.0.1"}, []string{"10.0.0.1"}); changed {
		t.Error("changed = true for an address already present")
	}
	if merged, changed := mergeBlockedIPs(nil, []string{"10.0.0.9"}); !changed || !slices.Equal(merged, []string{"10.0.0.9"}) {
		t.Errorf("merge into nothing = %q, %v", merged, changed)
	}
}

func TestWithShape(t *testing.T) {
	if got := withShape("a,b", []string{"a", "b", "c"}); got != "a,b,c" {
		t.Errorf("withShape(string) = %v, want a,b,c", got)
	}
	got, ok := withShape([]any{"a"}, []string{"a", "b"}).([]string)
	if !ok || !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("withShape(list) = %v, want [a b]", got)
	}
}

func TestSameSet(t *testing.T) {
	if !sameSet([]string{"a", "b", "a"}, []string{"b", "a"}) {
		t.Error("sameSet() = false for equal sets")
	}
	if sameSet([]string{"a"}, []string{"a", "b"}) {
		t.Error("sameSet() = true for different sets")
	}
}

func ipList() *rapid.Generator[[]string] {
	return rapid.SliceOfN(rapid.SampledFrom([]string{
		"10.0.0.1", "10.0.0.2", "10.0.0.3", "192.168.1.1", "172.16.0.9", "8.8.8.8",
	}), 0, 8)
}

func TestMergeBlockedIPs_Idempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cached := strings.Join(ipList().Draw(t, "cached"), ",")
		add := ipList().Draw(t, "add")

		once, _ := mergeBlockedIPs(cached, add)
		twice, changed := mergeBlockedIPs(once, add)
		if changed {
			t.Fatalf("second merge of %q reported a change", add)
		}
		if !slices.Equal(once, twice) {
			t.Fatalf("merge not idempotent: %q then %q", once, twice)
		}
	})
}

func TestMergeBlockedIPs_Sequential(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cached := ipList().Draw(t, "cached")
		a := ipList().Draw(t, "a")
		b := ipList().Draw(t, "b")

		stepA, _ := mergeBlockedIPs(cached, a)
		stepB, _ := mergeBlockedIPs(stepA, b)
		together, _ := mergeBlockedIPs(cached, union(a, b))

		if !slices.Equal(stepB, together) {
			t.Fatalf("A then B = %q, A∪B = %q", stepB, together)
		}
	})
}

func TestMergeBlockedIPs_KeepsExisting(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cached := ipList().Draw(t, "cached")
		add := ipList().Draw(t, "add")

		merged, changed := mergeBlockedIPs(cached, add)
		for _, ip := range append(slices.Clone(cached), add...) {
			if !slices.Contains(merged, ip) {
				t.Fatalf("%s missing from %q", ip, merged)
			}
		}
		if changed != (len(merged) > len(union(nil, cached))) {
			t.Fatalf("changed = %v for %q + %q", changed, cached, add)
		}
	})
}
