package paymentid

import "testing"

func TestGenerateUniqueAndCorrectLength(t *testing.T) {
	ids, err := Generate(10)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(ids) != 10 {
		t.Fatalf("len(ids) = %d, want 10", len(ids))
	}
	seen := make(map[ID]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate payment id generated: %x", id)
		}
		seen[id] = true
	}
}

func TestGenerateRejectsNonPositiveK(t *testing.T) {
	if _, err := Generate(0); err == nil {
		t.Fatal("Generate(0) error = nil, want error")
	}
}

func TestGenerateHopsProducesPerHopVectors(t *testing.T) {
	hops, err := GenerateHops(3, 10)
	if err != nil {
		t.Fatalf("GenerateHops() error = %v", err)
	}
	if len(hops) != 3 {
		t.Fatalf("len(hops) = %d, want 3", len(hops))
	}

	all := make(map[ID]bool)
	for _, vec := range hops {
		if len(vec) != 10 {
			t.Fatalf("len(vec) = %d, want 10", len(vec))
		}
		for _, id := range vec {
			if all[id] {
				t.Fatalf("duplicate payment id across hops: %x", id)
			}
			all[id] = true
		}
	}
}

func TestConcatLength(t *testing.T) {
	ids, _ := Generate(4)
	blob := Concat(ids)
	if len(blob) != 4*Size {
		t.Fatalf("len(blob) = %d, want %d", len(blob), 4*Size)
	}
}

func FuzzGenerateK(f *testing.F) {
	f.Add(1)
	f.Add(10)
	f.Fuzz(func(t *testing.T, k int) {
		ids, err := Generate(k)
		if k <= 0 {
			if err == nil {
				t.Fatalf("Generate(%d) error = nil, want error", k)
			}
			return
		}
		if k > 1<<16 {
			return // avoid absurd allocation sizes in the fuzz corpus
		}
		if err != nil {
			t.Fatalf("Generate(%d) error = %v", k, err)
		}
		if len(ids) != k {
			t.Fatalf("len(ids) = %d, want %d", len(ids), k)
		}
	})
}
