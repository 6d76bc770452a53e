package testutils

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

// WriteTempFile writes data to a file named name in a fresh temporary directory and returns its
// path. It fails the test if it cannot.
func WriteTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	test.That(t, os.WriteFile(path, data, 0o600), test.ShouldBeNil)
	return path
}

// WriteTempJSON is WriteTempFile with v encoded as JSON.
func WriteTempJSON(t *testing.T, name string, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	test.That(t, err, test.ShouldBeNil)
	return WriteTempFile(t, name, data)
}
