package artefacts

import (
	"fmt"
	"io"
	"os"
)

// InitCopy copies the orchestrator binary into the shared volume so the main
// container can run it as the task sidecar. The destination is made
// executable.
func InitCopy(src, dest string) error {
	source, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open executable: %w", err)
	}
	defer source.Close()

	destination, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("create executable copy: %w", err)
	}
	defer destination.Close()

	if _, err := io.Copy(destination, source); err != nil {
		return fmt.Errorf("copy executable: %w", err)
	}

	return nil
}
