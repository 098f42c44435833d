package pool

import (
	"errors"
	"strings"

	"github.com/jobcore/jobcore/internal/coreerr"
	"github.com/jobcore/jobcore/internal/shellquote"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func asKeyError(err error, target **knownhosts.KeyError) bool {
	return errors.As(err, target)
}

func asExitError(err error, target **ssh.ExitError) bool {
	return errors.As(err, target)
}

func fingerprintFromKeyError(keyErr *knownhosts.KeyError) string {
	if keyErr == nil || len(keyErr.Want) == 0 {
		return "unknown"
	}
	return ssh.FingerprintSHA256(keyErr.Want[0].Key)
}

// shellQuoteOne validates path as a shell-safe absolute or relative path
// and returns it quoted, using the same allowlist validators every runner
// shares.
func shellQuoteOne(path string) (string, error) {
	if err := shellquote.ValidatePath(path); err != nil {
		return "", coreerr.NewValidationError("path", err.Error())
	}
	return shellquote.Quote(path), nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}
