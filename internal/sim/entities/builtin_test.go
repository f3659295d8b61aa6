package entities

import "testing"


func TestLookupByName(t *testing.T) {
	r := Default()
	if got, ok := r.Lookup("chest"); !ok || got != TypeChest {
		t.Fatalf("Lookup(chest)=%d,%v", got, ok)
	}
	if _, ok := r.Lookup("dragon"); ok {
		t.Fatalf("unexpected hit for unregistered name")
	}
}
