package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type identityCommand struct{}

func (cmd *identityCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := loadClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	own, err := c.Identity()
	if err != nil {
		return err
	}
	fmt.Printf("Account %s/%s\n", own.UserID, own.DeviceID)
	fmt.Printf("  curve25519: %s\n", own.Curve25519Key)
	fmt.Printf("  ed25519:    %s\n", own.Ed25519Key)
	return nil
}
