package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type genKeysCommand struct {
	N int `short:"n" long:"count" description:"Number of one-time keys to generate" default:"10"`
}

func (cmd *genKeysCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := loadClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ids, err := c.GenerateOneTimeKeys(ctx, cmd.N)
	if err != nil {
		return err
	}
	fmt.Printf("Generated %d one-time keys (run publish-keys to upload them)\n", len(ids))
	return nil
}
