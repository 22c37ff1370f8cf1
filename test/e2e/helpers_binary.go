//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/citytailor/internal/api"
)

// citytailorServer manages a running citytailor serve process.
type citytailorServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	logFile string
}

// startCityTailor launches the binary and waits for it to become healthy.
// The server is configured entirely via environment variables.
func startCityTailor(t *testing.T) *citytailorServer {
	t.Helper()
	requireCityTailor(t)
	return launch(t, t.TempDir(), "citytailor.log")
}

func launch(t *testing.T, dataDir, logName string) *citytailorServer {
	t.Helper()

	port := freePort(t)
	logFile := filepath.Join(dataDir, logName)

	cmd := exec.Command(citytailorBin)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("CITYTAILOR_PORT=%d", port),
		"CITYTAILOR_DB_PATH="+filepath.Join(dataDir, "citytailor.db"),
		"CITYTAILOR_API_KEY="+testAPIKey,
		"CITYTAILOR_CONFIG_PATH="+filepath.Join(dataDir, "nonexistent.yaml"), // skip YAML file
		"CITYTAILOR_BATCH_INTERVAL=1h", // only shutdown drains the queue
		"CITYTAILOR_LOG_LEVEL=debug",
	)

	lf, err := os.Create(logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start citytailor: %v", err)
	}

	s := &citytailorServer{
		cmd:     cmd,
		dataDir: dataDir,
		address: fmt.Sprintf("127.0.0.1:%d", port),
		logFile: logFile,
	}
	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("citytailor not healthy: %v", err)
	}
	return s
}

func (s *citytailorServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
}

// restartOnSameData stops the server and starts a new one on the same data directory.
func (s *citytailorServer) restartOnSameData(t *testing.T) *citytailorServer {
	t.Helper()
	s.stop()
	time.Sleep(200 * time.Millisecond) // allow port release
	return launch(t, s.dataDir, "citytailor-restart.log")
}

func (s *citytailorServer) baseURL() string {
	return "http://" + s.address
}

func (s *citytailorServer) dbPath() string {
	return filepath.Join(s.dataDir, "citytailor.db")
}

func (s *citytailorServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := s.baseURL() + "/api/v1/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("citytailor not healthy after %s", timeout)
}

func (s *citytailorServer) post(t *testing.T, path, userID string, body any) (int, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, s.baseURL()+path, bytes.NewReader(data))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(api.HeaderUserID, userID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func (s *citytailorServer) rules(t *testing.T, userID string) api.RulesResponse {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, s.baseURL()+"/api/v1/rules/"+userID, nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET rules: %v", err)
	}
	defer resp.Body.Close()
	var out api.RulesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode rules: %v", err)
	}
	return out
}

// cli runs a citytailor subcommand against the server's database.
func (s *citytailorServer) cli(t *testing.T, args ...string) (string, error) {
	t.Helper()
	args = append(args, "--db", s.dbPath())
	out, err := exec.Command(citytailorBin, args...).CombinedOutput()
	return string(out), err
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
