package main

import (
	"fmt"
	"os/exec"
	"runtime"
)

// openBrowser launches the platform's URL handler. Failure is non-fatal; the
// login flow also prints the URL for manual entry.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "linux":
		return exec.Command("xdg-open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
}
