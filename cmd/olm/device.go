package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type deviceCommand struct {
	Args struct {
		UserID   string `positional-arg-name:"user-id" required:"true" description:"User id to look up"`
		DeviceID string `positional-arg-name:"device-id" required:"true" description:"Device id to look up"`
	} `positional-args:"true" required:"true"`
}

func (cmd *deviceCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := loadClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	d, err := c.FetchDeviceKeys(ctx, cmd.Args.UserID, cmd.Args.DeviceID)
	if err != nil {
		return err
	}
	fmt.Printf("Device %s/%s\n", d.UserID, d.DeviceID)
	fmt.Printf("  curve25519: %s\n", d.Curve25519Key)
	fmt.Printf("  ed25519:    %s\n", d.Ed25519Key)
	return nil
}
