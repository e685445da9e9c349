package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type publishKeysCommand struct{}

func (cmd *publishKeysCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := loadClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.PublishOneTimeKeys(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("No unpublished one-time keys (run gen-keys first)")
		return nil
	}
	fmt.Printf("Published %d one-time keys\n", n)
	return nil
}
