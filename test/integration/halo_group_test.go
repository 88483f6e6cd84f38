package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

const ranks = 3

// TestSystem is a coordinator and its node processes under test
type TestSystem struct {
	t          *testing.T
	bin        string
	coord      *exec.Cmd
	nodes      []*exec.Cmd
	coordAddr  string
	nodeAddrs  []string
	httpClient *http.Client
}

// NewTestSystem creates a test system on high ports
func NewTestSystem(t *testing.T) *TestSystem {
	ts := &TestSystem{
		t:          t,
		bin:        t.TempDir(),
		coordAddr:  "http://127.0.0.1:18090",
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for i := 0; i < ranks; i++ {
		ts.nodeAddrs = append(ts.nodeAddrs, fmt.Sprintf("http://127.0.0.1:%d", 18091+i))
	}
	return ts
}

func (ts *TestSystem) build(name string) (string, error) {
	out := filepath.Join(ts.bin, name)
	cmd := exec.Command("go", "build", "-o", out, "github.com/dreamware/halo/cmd/"+name)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to build %s: %w", name, err)
	}
	return out, nil
}

// Start builds the binaries and launches the coordinator and the nodes
func (ts *TestSystem) Start(strategy string) error {
	coordBin, err := ts.build("coordinator")
	if err != nil {
		return err
	}
	nodeBin, err := ts.build("node")
	if err != nil {
		return err
	}

	env := append(os.Environ(), "HALO_LOG_FORMAT=json", "HALO_LOG_LEVEL=warn", "HALO_CELLS=90", "HALO_ITERATIONS=40")

	ts.t.Log("Starting coordinator...")
	ts.coord = exec.Command(coordBin, "--listen", ":18090", "--ranks", fmt.Sprint(ranks))
	ts.coord.Env = env
	ts.coord.Stdout = os.Stdout
	ts.coord.Stderr = os.Stderr
	if err := ts.coord.Start(); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	if err := ts.waitFor(ts.coordAddr+"/health", nil); err != nil {
		return fmt.Errorf("coordinator failed to start: %w", err)
	}

	for i, addr := range ts.nodeAddrs {
		ts.t.Logf("Starting node %d...", i)
		node := exec.Command(nodeBin,
			"--id", fmt.Sprintf("n%d", i),
			"--listen", fmt.Sprintf("127.0.0.1:%d", 18091+i),
			"--coordinator", ts.coordAddr,
			"--strategy", strategy,
			"--linger",
		)
		node.Env = env
		node.Stdout = os.Stdout
		node.Stderr = os.Stderr
		if err := node.Start(); err != nil {
			return fmt.Errorf("failed to start node %d: %w", i, err)
		}
		ts.nodes = append(ts.nodes, node)
		if err := ts.waitFor(addr+"/health", nil); err != nil {
			return fmt.Errorf("node %d failed to start: %w", i, err)
		}
	}
	return nil
}

// Stop kills every process
func (ts *TestSystem) Stop() {
	for _, cmd := range append(ts.nodes, ts.coord) {
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	}
}

// waitFor polls url until it answers 200 and ready accepts the body
func (ts *TestSystem) waitFor(url string, ready func(map[string]any) bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var last map[string]any
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s (last %v)", url, last)
		default:
		}
		resp, err := ts.httpClient.Get(url)
		if err == nil {
			last = nil
			if resp.StatusCode == http.StatusOK {
				_ = json.NewDecoder(resp.Body).Decode(&last)
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK && (ready == nil || ready(last)) {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// TestHaloGroup runs a three rank group as separate processes
func TestHaloGroup(t *testing.T) {
	if testing.Short() {
		t.Skip("builds and launches binaries")
	}

	for _, strategy := range []string{"broadcast-all", "owner-broadcast", "alltoall"} {
		t.Run(strategy, func(t *testing.T) {
			ts := NewTestSystem(t)
			defer ts.Stop()
			if err := ts.Start(strategy); err != nil {
				t.Fatal(err)
			}

			seen := map[float64]bool{}
			for i, addr := range ts.nodeAddrs {
				var info map[string]any
				done := func(body map[string]any) bool {
					info = body
					return body["phase"] == "done"
				}
				if err := ts.waitFor(addr+"/info", done); err != nil {
					t.Fatalf("node %d: %v", i, err)
				}
				rank, _ := info["rank"].(float64)
				seen[rank] = true

				stats, _ := info["stats"].(map[string]any)
				if stats["Syncs"] != float64(40) {
					t.Errorf("node %d: expected 40 syncs, got %v", i, stats["Syncs"])
				}
				array, _ := info["array"].(map[string]any)
				if array["Owned"] != float64(30) {
					t.Errorf("node %d: expected 30 owned cells, got %v", i, array["Owned"])
				}
			}
			if len(seen) != ranks {
				t.Errorf("expected %d distinct ranks, got %v", ranks, seen)
			}

			var nodes struct {
				Size  int `json:"size"`
				Nodes []struct {
					ID   string `json:"id"`
					Rank int    `json:"rank"`
				} `json:"nodes"`
			}
			resp, err := ts.httpClient.Get(ts.coordAddr + "/nodes")
			if err != nil {
				t.Fatalf("list nodes: %v", err)
			}
			defer resp.Body.Close()
			if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
				t.Fatalf("decode nodes: %v", err)
			}
			if nodes.Size != ranks || len(nodes.Nodes) != ranks {
				t.Errorf("unexpected node listing %+v", nodes)
			}
		})
	}
}
