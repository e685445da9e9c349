// Command olm manages a device account for Olm-encrypted messaging.
//
// Usage:
//
//	olm init <user-id> <device-id>        Create a device account
//	olm gen-keys -n 20                    Generate one-time keys
//	olm publish-keys                      Upload unpublished keys to the directory
//	olm encrypt <user> <device> <msg>     Encrypt a message for a device
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	flags "github.com/jessevdk/go-flags"

	olm "github.com/sandrev/olm-go"
)

type globalOpts struct {
	DB      string `long:"db" env:"OLM_DB" description:"Path to database file"`
	Server  string `long:"server" env:"OLM_SERVER_URL" description:"Base URL of the key directory server"`
	Token   string `long:"token" env:"OLM_TOKEN" description:"Bearer token for the key directory server"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Init          initCommand          `command:"init" description:"Create a new device account"`
	Identity      identityCommand      `command:"identity" description:"Show this device's identity keys"`
	GenKeys       genKeysCommand       `command:"gen-keys" description:"Generate one-time keys"`
	PublishKeys   publishKeysCommand   `command:"publish-keys" description:"Upload unpublished one-time keys to the directory"`
	Encrypt       encryptCommand       `command:"encrypt" description:"Encrypt a message for a device"`
	Device        deviceCommand        `command:"device" description:"Fetch a device's published identity keys"`
	Sessions      sessionsCommand      `command:"sessions" description:"List stored outbound sessions"`
	DeleteSession deleteSessionCommand `command:"delete-session" description:"Delete a stored session"`
}

var opts globalOpts

func main() {
	loadDotEnv()

	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func clientOpts() []olm.Option {
	var copts []olm.Option

	if opts.DB != "" {
		copts = append(copts, olm.WithDBPath(opts.DB))
	}
	if opts.Server != "" {
		copts = append(copts, olm.WithServerURL(opts.Server))
	}
	if opts.Token != "" {
		copts = append(copts, olm.WithToken(opts.Token))
	}
	if opts.Verbose {
		copts = append(copts, olm.WithLogger(log.New(os.Stderr, "", log.LstdFlags)))
	}
	return copts
}

// loadClient opens the store and loads the existing account, resolving the
// pickle secret from the environment or an interactive prompt.
func loadClient(ctx context.Context) (*olm.Client, error) {
	eopts, err := envOpts(false)
	if err != nil {
		return nil, err
	}
	c := olm.New(append(clientOpts(), eopts...)...)
	if err := c.Load(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
