package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func projectRoot(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// this file: <root>/cmd/modelrm/main_test.go
	return filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
}

func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("builds the binary")
	}
	binPath := filepath.Join(t.TempDir(), "modelrm")
	cmd := exec.Command("go", "build", "-o", binPath, "./cmd/modelrm")
	cmd.Dir = projectRoot(t)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(out))
	}
	return binPath
}

// writeFixture creates a models dir with empty gguf files and a config
// describing a 10 GiB static GPU.
func writeFixture(t *testing.T, names ...string) (cfgPath, modelsDir string) {
	t.Helper()
	dir := t.TempDir()
	modelsDir = filepath.Join(dir, "models")
	if err := os.Mkdir(modelsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(modelsDir, n), nil, 0o644); err != nil {
			t.Fatalf("write model %s: %v", n, err)
		}
	}
	cfgPath = filepath.Join(dir, "modelrm.toml")
	cfg := `include_builtins = false
models_dir = "models"

[hardware]
static = true
total_ram_gb = 32.0

[[hardware.devices]]
id = "gpu0"
total_gb = 10.0
compute = "8.6"
`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath, modelsDir
}

type serverProc struct {
	cmd  *exec.Cmd
	base string
}

func startServer(t *testing.T, bin, cfgPath string) *serverProc {
	t.Helper()
	port := findFreePort(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	cmd := exec.Command(bin, "serve", "--config", cfgPath, "--addr", fmt.Sprintf("127.0.0.1:%d", port), "--log-level", "warn")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not become ready in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
	return &serverProc{cmd: cmd, base: base}
}

func request(t *testing.T, method, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func TestBlackboxFlow(t *testing.T) {
	bin := buildBinary(t)
	cfgPath, _ := writeFixture(t, "alpha.gguf", "beta-Q4_K_M.gguf")
	sp := startServer(t, bin, cfgPath)

	resp, body := request(t, http.MethodGet, sp.base+"/models", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/models %d %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("/models content-type=%s", ct)
	}
	var models struct {
		Models []struct {
			ID                 string `json:"id"`
			NativeQuantization string `json:"native_quantization"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &models); err != nil {
		t.Fatalf("/models json: %v body=%s", err, body)
	}
	if len(models.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models.Models))
	}

	resp, body = request(t, http.MethodPost, sp.base+"/models/alpha/load", []byte(`{}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load %d %s", resp.StatusCode, body)
	}

	resp, body = request(t, http.MethodGet, sp.base+"/status", nil)
	var status struct {
		Instances []any `json:"instances"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("/status json: %v body=%s", err, body)
	}
	if len(status.Instances) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(status.Instances))
	}

	// the CLI talks to the same server
	out, err := exec.Command(bin, "status", "--server", sp.base, "-o", "json").Output()
	if err != nil {
		t.Fatalf("cli status: %v", err)
	}
	if !bytes.Contains(out, []byte(`"alpha"`)) {
		t.Fatalf("cli status missing alpha: %s", out)
	}

	resp, body = request(t, http.MethodPost, sp.base+"/models/missing/load", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d, body=%s", resp.StatusCode, body)
	}

	resp, _ = request(t, http.MethodDelete, sp.base+"/models/alpha", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unload %d", resp.StatusCode)
	}
}

func TestBlackboxGracefulShutdown(t *testing.T) {
	bin := buildBinary(t)
	cfgPath, _ := writeFixture(t, "alpha.gguf")
	sp := startServer(t, bin, cfgPath)

	if err := sp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- sp.cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean exit, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not exit after SIGTERM")
	}
}
