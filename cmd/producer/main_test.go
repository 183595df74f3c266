package main

import (
	"context"
	"testing"

	"github.com/gitpancake/invaders.producer/internal/config"
)

func TestRootCommandHasRunAndOnce(t *testing.T) {
	root := newRootCommand()
	names := map[string]bool{}
	for _, sub := range root.Commands() {
		names[sub.Name()] = true
	}
	if !names["run"] || !names["once"] {
		t.Fatalf("expected run and once subcommands, got %v", names)
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Fatalf("expected a persistent --config flag")
	}
}

func TestBuildAllowlistStaticSeed(t *testing.T) {
	cfg := config.Defaults()
	cfg.AllowedPlayers = []string{"alice"}

	allow, err := buildAllowlist(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build allow-list failed: %v", err)
	}
	if !allow.Allows("ALICE") {
		t.Fatalf("expected seeded player to be allowed")
	}
	if allow.Allows("bob") {
		t.Fatalf("expected unlisted player to be rejected")
	}
}
