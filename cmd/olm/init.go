package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	olm "github.com/sandrev/olm-go"
)

type initCommand struct {
	Args struct {
		UserID   string `positional-arg-name:"user-id" required:"true" description:"User id (@alice:example.org)"`
		DeviceID string `positional-arg-name:"device-id" required:"true" description:"Device id (ALICEDEV)"`
	} `positional-args:"true" required:"true"`
}

func (cmd *initCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	eopts, err := envOpts(true)
	if err != nil {
		return err
	}
	c := olm.New(append(clientOpts(), eopts...)...)
	defer c.Close()

	if err := c.Init(ctx, cmd.Args.UserID, cmd.Args.DeviceID); err != nil {
		return err
	}

	own, err := c.Identity()
	if err != nil {
		return err
	}
	fmt.Printf("Created account %s/%s\n", own.UserID, own.DeviceID)
	fmt.Printf("  curve25519: %s\n", own.Curve25519Key)
	fmt.Printf("  ed25519:    %s\n", own.Ed25519Key)
	return nil
}
