package auth

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// execCommand is replaced in tests.
var execCommand = exec.Command

// OpenBrowser opens url in the user's browser. The BROWSER environment
// variable, when set, names the program to use.
func OpenBrowser(url string) error {
	var cmd *exec.Cmd

	if browser := os.Getenv("BROWSER"); browser != "" {
		cmd = execCommand(browser, url)
	} else {
		switch runtime.GOOS {
		case "linux", "freebsd", "openbsd":
			cmd = execCommand("xdg-open", url)
		case "darwin":
			cmd = execCommand("open", url)
		case "windows":
			cmd = execCommand("rundll32", "url.dll,FileProtocolHandler", url)
		default:
			return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
		}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
