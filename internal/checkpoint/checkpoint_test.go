package checkpoint

import (
	"math/rand"
	"path/filepath"
	"testing"

	"ganforge/internal/nn"
)

func pair(seed int64) (*nn.Network, *nn.Network) {
	rng := rand.New(rand.NewSource(seed))
	gen := nn.NewMLPGenerator(rng, 8, 16, false)
	disc := nn.NewMLPDiscriminator(rng, 16, false)
	return gen, disc
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	gen, disc := pair(1)
	path := filepath.Join(t.TempDir(), "ckpt", "step-000100.gob")
	if err := Save(path, map[string]*nn.Network{"G": gen, "D": disc}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A freshly initialized pair from a different seed must converge to the
	// saved weights exactly.
	gen2, disc2 := pair(2)
	if err := Restore(path, map[string]*nn.Network{"G": gen2, "D": disc2}); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	want := gen.State()
	got := gen2.State()
	if len(want) != len(got) {
		t.Fatalf("blob count %d want %d", len(got), len(want))
	}
	for i := range want {
		if want[i].Name != got[i].Name {
			t.Fatalf("blob %d named %s want %s", i, got[i].Name, want[i].Name)
		}
		for j := range want[i].Data {
			if want[i].Data[j] != got[i].Data[j] {
				t.Fatalf("blob %s differs at %d", want[i].Name, j)
			}
		}
	}
}

func TestRestoreRejectsRoleMismatch(t *testing.T) {
	gen, disc := pair(3)
	path := filepath.Join(t.TempDir(), "step.gob")
	if err := Save(path, map[string]*nn.Network{"G": gen, "D": disc}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := Restore(path, map[string]*nn.Network{"G": gen}); err == nil {
		t.Fatalf("expected unknown network error")
	}
	if err := Restore(path, map[string]*nn.Network{"G": gen, "D": disc, "E": disc}); err == nil {
		t.Fatalf("expected missing network error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.gob")); err == nil {
		t.Fatalf("expected open error")
	}
}
