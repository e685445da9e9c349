package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	env "github.com/allisson/go-env"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	olm "github.com/sandrev/olm-go"
)

// loadDotEnv walks from the working directory up to the filesystem root and
// loads the first .env file it finds.
func loadDotEnv() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	dir := cwd
	for {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// envOpts resolves settings that only make sense as environment variables:
// the pickle secret and the claim timeout. When no secret is configured it
// falls back to an interactive passphrase prompt.
func envOpts(confirm bool) ([]olm.Option, error) {
	var copts []olm.Option

	if timeout := env.GetDuration("OLM_CLAIM_TIMEOUT_SECONDS", 0, time.Second); timeout > 0 {
		copts = append(copts, olm.WithClaimTimeout(timeout))
	}

	if keyB64 := env.GetString("OLM_PICKLE_KEY", ""); keyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return nil, fmt.Errorf("OLM_PICKLE_KEY is not valid base64: %w", err)
		}
		return append(copts, olm.WithPickleKey(key)), nil
	}
	if pass := env.GetString("OLM_PICKLE_PASSPHRASE", ""); pass != "" {
		return append(copts, olm.WithPicklePassphrase(pass)), nil
	}

	pass, err := promptPassphrase(confirm)
	if err != nil {
		return nil, err
	}
	return append(copts, olm.WithPicklePassphrase(pass)), nil
}

// promptPassphrase reads a passphrase without echo. With confirm set it asks
// twice and verifies both entries match.
func promptPassphrase(confirm bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("set OLM_PICKLE_KEY or OLM_PICKLE_PASSPHRASE (stdin is not a terminal)")
	}

	fmt.Fprint(os.Stderr, "Pickle passphrase: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if len(first) == 0 {
		return "", fmt.Errorf("empty passphrase")
	}
	if !confirm {
		return string(first), nil
	}

	fmt.Fprint(os.Stderr, "Repeat passphrase: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	return string(first), nil
}
