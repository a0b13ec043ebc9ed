package creation

import (
	"testing"

	"github.com/bitjig/rund/internal/location"
)

func TestCodeImplementsCreation(t *testing.T) {
	var c Creation = &Code{
		Bindings: Bindings{
			Location: location.Undeployed(),
			Origin:   location.Undeployed(),
			Nonce:    0,
		},
		Source: "class A {}",
	}
	if c.Kind() != KindCode {
		t.Fatalf("got %v, want KindCode", c.Kind())
	}
	if c.GetBindings().Nonce != 0 {
		t.Fatalf("unexpected nonce")
	}
}

func TestSetBindingsRoundTrip(t *testing.T) {
	code := &Code{Source: "class A {}"}
	nb := &Bindings{Nonce: 3}
	code.SetBindings(nb)
	if code.GetBindings().Nonce != 3 {
		t.Fatalf("got %d, want 3", code.GetBindings().Nonce)
	}
}

func TestAsCreationRejectsNonCreation(t *testing.T) {
	if _, err := AsCreation("not a creation"); err == nil {
		t.Fatal("expected error")
	}
}

func TestAsCreationAcceptsJigInstance(t *testing.T) {
	ji := &JigInstance{}
	c, err := AsCreation(ji)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Kind() != KindJigInstance {
		t.Fatalf("got %v", c.Kind())
	}
}
