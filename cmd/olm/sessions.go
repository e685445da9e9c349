package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type sessionsCommand struct {
	IdentityKey string `long:"identity-key" description:"Only show sessions for this peer curve25519 key"`
}

func (cmd *sessionsCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := loadClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	sessions, err := c.Sessions(ctx)
	if err != nil {
		return err
	}
	if cmd.IdentityKey != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if s.IdentityKey == cmd.IdentityKey {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}

	fmt.Printf("Stored sessions (%d):\n", len(sessions))
	for _, s := range sessions {
		updated := s.UpdatedAt.Format("2006-01-02 15:04")
		fmt.Printf("  %s session=%s updated=%s\n", s.IdentityKey, s.SessionID, updated)
	}
	return nil
}
