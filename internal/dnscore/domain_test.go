package dnscore

import (
	"strings"
	"testing"
)

func TestParseComputerDomain(t *testing.T) {
	d, err := Parse("Shop.Comp42.REDNET")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Kind != KindComputer {
		t.Fatalf("kind = %s, want computer", d.Kind)
	}
	if d.Name != "shop.comp42.rednet" {
		t.Fatalf("name = %q", d.Name)
	}
	if d.Sub != "shop" || d.ComputerID != 42 {
		t.Fatalf("sub=%q id=%d", d.Sub, d.ComputerID)
	}
}

func TestParseAlias(t *testing.T) {
	for _, name := range []string{"shop", "my-shop.rednet", "a.b.c", "x_1"} {
		d, err := Parse(name)
		if err != nil {
			t.Fatalf("parse %q: %v", name, err)
		}
		if d.Kind != KindAlias {
			t.Fatalf("parse %q: kind = %s, want alias", name, d.Kind)
		}
	}
}

func TestParseRejects(t *testing.T) {
	bad := []string{
		"",
		"   ",
		"rednet",
		"admin",
		"root.rednet",
		"UPPER CASE",
		"has space",
		"dot..dot",
		strings.Repeat("a", 33),
		"shop.comp42.extra.rednet",
		"comp42", // alias mimicking a computer label
	}
	for _, name := range bad {
		if _, err := Parse(name); err == nil {
			t.Errorf("parse %q: expected error", name)
		}
	}
}

func TestParseLabelBoundary(t *testing.T) {
	ok := strings.Repeat("a", 32)
	if _, err := Parse(ok); err != nil {
		t.Fatalf("32-char label rejected: %v", err)
	}
	if _, err := Parse(ok + "a"); err == nil {
		t.Fatal("33-char label accepted")
	}
}

func TestParseReservedSubdomain(t *testing.T) {
	if _, err := Parse("admin.comp3.rednet"); err == nil {
		t.Fatal("reserved subdomain accepted")
	}
}

func TestParseIdempotentFolding(t *testing.T) {
	d1, err := Parse("Blog.Comp7.Rednet")
	if err != nil {
		t.Fatal(err)
	}
	d2, err := Parse(d1.Name)
	if err != nil {
		t.Fatal(err)
	}
	if d1.Name != d2.Name {
		t.Fatalf("folding not idempotent: %q vs %q", d1.Name, d2.Name)
	}
}
