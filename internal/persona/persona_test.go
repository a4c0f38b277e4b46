package persona

import (
	"strings"
	"testing"
)

func TestResolveUsesOverrideVerbatim(t *testing.T) {
	p := Resolve("custom text")
	if p.Instructions != "custom text" {
		t.Errorf("Instructions = %q, want %q", p.Instructions, "custom text")
	}
	if !p.Custom {
		t.Error("Custom = false, want true")
	}
}

func TestResolveFallsBackToDefault(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t"} {
		p := Resolve(in)
		if p.Custom {
			t.Errorf("Resolve(%q).Custom = true, want false", in)
		}
		if p.Instructions != Default().Instructions {
			t.Errorf("Resolve(%q) did not return the default persona", in)
		}
	}
}

func TestDefaultPersonaIdentity(t *testing.T) {
	d := Default()
	if !strings.Contains(d.Instructions, "Tomas") || !strings.Contains(d.Instructions, "IdeaLink") {
		t.Errorf("default persona lost its identity section")
	}
}
