package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(append([]string{"--cells", "30", "--iterations", "20"}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(new(bytes.Buffer))
	err := cmd.Execute()
	return out.String(), err
}

// TestSimulateStrategies tests that every strategy reproduces the serial run
func TestSimulateStrategies(t *testing.T) {
	for _, strategy := range []string{"broadcast-all", "owner-broadcast", "alltoall"} {
		for _, ranks := range []string{"1", "2", "5"} {
			t.Run(strategy+"/"+ranks, func(t *testing.T) {
				out, err := execute(t, "--strategy", strategy, "--ranks", ranks)
				if err != nil {
					t.Fatalf("simulate: %v\n%s", err, out)
				}
				if !strings.Contains(out, "max deviation 0\n") {
					t.Errorf("unexpected summary:\n%s", out)
				}
				if !strings.Contains(out, "strategy="+strategy) {
					t.Errorf("summary lacks the strategy:\n%s", out)
				}
				if !strings.Contains(out, "syncs=20") {
					t.Errorf("expected 20 syncs per rank:\n%s", out)
				}
			})
		}
	}
}

// TestSimulateGraphAndDump tests the diagnostic outputs
func TestSimulateGraphAndDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pattern.dot")
	out, err := execute(t, "--ranks", "3", "--graph", path, "--dump")
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}

	dot, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read graph: %v", err)
	}
	for _, want := range []string{"digraph parvector {", `P0 [label="CPU0 (10+1)"];`, `P1 [label="CPU1 (10+2)"];`, `P1 -> P0 [label="1"];`} {
		if !strings.Contains(string(dot), want) {
			t.Errorf("graph lacks %q:\n%s", want, dot)
		}
	}

	for rank := 0; rank < 3; rank++ {
		if !strings.Contains(out, "Content dump for rank "+string(rune('0'+rank))) {
			t.Errorf("dump of rank %d missing", rank)
		}
	}
	if !strings.Contains(out, "[ghosts = 2, owned = 10]") {
		t.Errorf("middle rank dump missing:\n%s", out)
	}
}

// TestSimulateInvalid tests flag validation
func TestSimulateInvalid(t *testing.T) {
	tests := [][]string{
		{"--strategy", "gossip"},
		{"--ranks", "0"},
		{"--ranks", "40"},
	}
	for _, args := range tests {
		if _, err := execute(t, args...); err == nil {
			t.Errorf("expected %v to fail", args)
		}
	}
}
