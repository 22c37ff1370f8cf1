package e2e

import (
	"os"
	"os/exec"
	"testing"
)

var citytailorBin string

func TestMain(m *testing.M) {
	citytailorBin = envOrLookPath("CITYTAILOR_BIN", "citytailor")
	os.Exit(m.Run())
}

func envOrLookPath(envVar, name string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return ""
}

func requireCityTailor(t *testing.T) {
	t.Helper()
	if citytailorBin == "" {
		t.Skip("citytailor binary not available (set CITYTAILOR_BIN or add to PATH)")
	}
}
