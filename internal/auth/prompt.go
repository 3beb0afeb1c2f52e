package auth

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os/exec"
	"runtime"
	"strings"

	apperrors "market-scanner/internal/errors"
)

// Prompter shows the authorize URL and returns what the user pastes back.
type Prompter func(ctx context.Context, authURL string) (string, error)

// TerminalPrompter prints instructions to out, optionally opens a browser, and
// reads one line from in.
func TerminalPrompter(in io.Reader, out io.Writer, openBrowser bool) Prompter {
	return func(ctx context.Context, authURL string) (string, error) {
		fmt.Fprintln(out, "Open this URL and log in to authorize the app:")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  "+authURL)
		fmt.Fprintln(out)

		if openBrowser {
			if err := OpenURL(authURL); err != nil {
				fmt.Fprintln(out, "Could not open a browser automatically.")
			}
		}

		fmt.Fprintln(out, "After authorizing you are redirected to a page that fails to load,")
		fmt.Fprintln(out, "e.g. https://127.0.0.1/?code=XXXX%40&session=YYYY")
		fmt.Fprintln(out, "Paste that full URL here:")
		fmt.Fprint(out, "> ")

		type result struct {
			line string
			err  error
		}
		done := make(chan result, 1)
		go func() {
			line, err := bufio.NewReader(in).ReadString('\n')
			if err == io.EOF && line != "" {
				err = nil
			}
			done <- result{line: strings.TrimSpace(line), err: err}
		}()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case r := <-done:
			return r.line, r.err
		}
	}
}

// ExtractCode pulls the authorization code out of a pasted redirect URL.
// A bare code is accepted as-is.
func ExtractCode(pasted string) (string, error) {
	pasted = strings.TrimSpace(pasted)
	if pasted == "" {
		return "", apperrors.NewValidationError("redirect_url", "", "nothing pasted")
	}

	if !strings.Contains(pasted, "://") && !strings.Contains(pasted, "code=") {
		code, err := url.QueryUnescape(pasted)
		if err != nil {
			return "", apperrors.NewValidationError("redirect_url", pasted, err.Error())
		}
		return code, nil
	}

	u, err := url.Parse(pasted)
	if err != nil {
		return "", apperrors.NewValidationError("redirect_url", pasted, err.Error())
	}
	code := u.Query().Get("code")
	if code == "" {
		return "", apperrors.NewValidationError("redirect_url", pasted, "no code parameter")
	}
	return code, nil
}

// OpenURL opens url in the default browser.
func OpenURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return cmd.Start()
}
