package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/kabili207/feedroom/core/crypto"
	"github.com/kabili207/feedroom/core/feed"
)

type KeygenCmd struct {
	flags *Flags
}

// NewKeygenCmd creates a new keygen command
func NewKeygenCmd(flags *Flags) *KeygenCmd {
	return &KeygenCmd{flags: flags}
}

// Register adds the keygen command to the application
func (cmd *KeygenCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "keygen",
		Usage:       "Generate a participant key",
		UsageText:   "feedroom keygen",
		Description: "Prints a new secp256k1 private key and its address.",
		Action:      cmd.run,
	})
	return app
}

func (cmd *KeygenCmd) run(_ context.Context, c *cli.Command) error {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	out := c.Root().Writer
	_, _ = fmt.Fprintf(out, "key:     %s\n", kp.Hex())
	_, _ = fmt.Fprintf(out, "address: %s\n", kp.Address())
	return nil
}

type DeriveCmd struct {
	flags *Flags
}

// NewDeriveCmd creates a new derive command
func NewDeriveCmd(flags *Flags) *DeriveCmd {
	return &DeriveCmd{flags: flags}
}

// Register adds the derive command to the application
func (cmd *DeriveCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "derive",
		Usage:     "Show the feeds of a room",
		UsageText: "feedroom derive [room]",
		Description: `Prints the consensus address that owns the room's directory feed and
the topics of the directory and message feeds. Without an argument the
room from the config file is used.`,
		Action: cmd.run,
	})
	return app
}

func (cmd *DeriveCmd) run(_ context.Context, c *cli.Command) error {
	name := c.Args().First()
	if name == "" {
		name = cmd.flags.Config.Room
	}
	if name == "" {
		return errors.New("room name required")
	}

	users := feed.DirectoryTopic(name)
	id, err := crypto.DeriveConsensusIdentity(users.String())
	if err != nil {
		return err
	}
	out := c.Root().Writer
	_, _ = fmt.Fprintf(out, "room:            %s\n", name)
	_, _ = fmt.Fprintf(out, "consensus:       %s\n", id.Address)
	_, _ = fmt.Fprintf(out, "directory topic: %s\n", users)
	_, _ = fmt.Fprintf(out, "message topic:   %s\n", feed.MessageTopic(name))
	return nil
}
