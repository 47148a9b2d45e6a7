package provider_test

import "os"

// writeExecutable writes body to path with executable permissions, for
// standing up a fake provider CLI in tests.
func writeExecutable(path, body string) error {
	return os.WriteFile(path, []byte(body), 0o755)
}
