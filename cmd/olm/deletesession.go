package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type deleteSessionCommand struct {
	Args struct {
		IdentityKey string `positional-arg-name:"identity-key" required:"true" description:"Peer device curve25519 key"`
		SessionID   string `positional-arg-name:"session-id" required:"true" description:"Session id to delete"`
	} `positional-args:"true" required:"true"`
}

func (cmd *deleteSessionCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := loadClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.DeleteSession(ctx, cmd.Args.IdentityKey, cmd.Args.SessionID); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s for %s\n", cmd.Args.SessionID, cmd.Args.IdentityKey)
	return nil
}
