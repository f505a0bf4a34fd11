// Package secret lazily resolves a shared signing secret from an environment
// variable or by prompting the operator. The value is cached after the first
// successful retrieval so repeated calls reuse the same secret.
package secret

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves one secret, checking its environment variable before
// interactively prompting on the terminal.
type Source struct {
	envVar string
	prompt string

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source that checks envVar first and falls back to
// the given terminal prompt.
func NewSource(envVar, prompt string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), prompt: prompt}
}

// Get returns the cached secret or resolves it on the first call. When the
// environment variable is set the exact value is used; otherwise the operator
// is prompted on stderr. Whitespace-only secrets are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.envVar != "" {
				s.err = fmt.Errorf("secret required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("secret required and no terminal available")
			}
			return
		}

		fmt.Fprint(os.Stderr, s.prompt)
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read secret: %w", err)
			return
		}

		value := string(bytes)
		if strings.TrimSpace(value) == "" {
			s.err = errors.New("secret cannot be empty")
			return
		}

		s.value = value
	})

	return s.value, s.err
}
