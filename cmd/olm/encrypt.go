package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	olm "github.com/sandrev/olm-go"
)

type encryptCommand struct {
	Type       string `long:"type" description:"Event type of the plaintext payload" default:"m.room.message"`
	Raw        bool   `long:"raw" description:"Treat the message argument as raw JSON content"`
	Curve25519 string `long:"curve25519" description:"Recipient curve25519 key (skips the directory lookup)"`
	Ed25519    string `long:"ed25519" description:"Recipient ed25519 key (skips the directory lookup)"`
	Args       struct {
		UserID   string `positional-arg-name:"user-id" required:"true" description:"Recipient user id"`
		DeviceID string `positional-arg-name:"device-id" required:"true" description:"Recipient device id"`
		Message  string `positional-arg-name:"message" required:"true" description:"Message text (or JSON with --raw)"`
	} `positional-args:"true" required:"true"`
}

func (cmd *encryptCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := loadClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var device *olm.Device
	if cmd.Curve25519 != "" || cmd.Ed25519 != "" {
		if cmd.Curve25519 == "" || cmd.Ed25519 == "" {
			return fmt.Errorf("--curve25519 and --ed25519 must be given together")
		}
		device = &olm.Device{
			UserID:        cmd.Args.UserID,
			DeviceID:      cmd.Args.DeviceID,
			Curve25519Key: cmd.Curve25519,
			Ed25519Key:    cmd.Ed25519,
		}
	} else {
		device, err = c.FetchDeviceKeys(ctx, cmd.Args.UserID, cmd.Args.DeviceID)
		if err != nil {
			return err
		}
	}

	var content json.RawMessage
	if cmd.Raw {
		content = json.RawMessage(cmd.Args.Message)
	} else {
		content, err = json.Marshal(map[string]string{"body": cmd.Args.Message})
		if err != nil {
			return err
		}
	}

	msgs, err := c.EncryptToDevices(ctx, cmd.Type, content, []olm.Device{*device})
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return fmt.Errorf("no usable one-time key for %s/%s", cmd.Args.UserID, cmd.Args.DeviceID)
	}

	out, err := json.MarshalIndent(msgs[0].Content, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
