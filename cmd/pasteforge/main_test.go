package main

import (
	"bytes"
	"testing"
)

func TestDeriveKeyIsPurposeBound(t *testing.T) {
	pepper := bytes.Repeat([]byte("p"), 32)
	a, err := deriveKey(pepper, "deletion-token")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := deriveKey(pepper, "deletion-token")
	c, _ := deriveKey(pepper, "other")
	if len(a) != 32 || !bytes.Equal(a, b) {
		t.Fatalf("derivation not deterministic: %x %x", a, b)
	}
	if bytes.Equal(a, c) {
		t.Fatal("different purposes produced the same key")
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, path := range [][]string{
		{"serve"}, {"health"}, {"purge"}, {"promote"},
		{"migrate", "up"}, {"migrate", "down"}, {"migrate", "version"},
	} {
		cmd, _, err := rootCmd.Find(path)
		if err != nil || cmd == rootCmd {
			t.Errorf("command %v not registered: %v", path, err)
		}
	}
}
