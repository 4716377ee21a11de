package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"fiatjaf.com/nostr"
	"fiatjaf.com/nostr/nip19"
	kvstore_bbolt "fiatjaf.com/nostr/sdk/kvstore/bbolt"
	"github.com/nostrapps/dm"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

var engine *dm.Engine

var app = &cli.Command{
	Name:      "dmcli",
	Usage:     "read and send encrypted nostr direct messages from the terminal",
	UsageText: "dmcli --sec <nsec|hex> --relay wss://... <list|send|watch> ...",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "sec",
			Usage:    "secret key, as nsec or 64-char hex",
			Required: true,
			Sources:  cli.EnvVars("DMCLI_SEC"),
		},
		&cli.StringSliceFlag{
			Name:    "relay",
			Aliases: []string{"r"},
			Usage:   "relay url, can be given multiple times",
			Value:   []string{"wss://relay.damus.io", "wss://nos.lol"},
		},
		&cli.StringFlag{
			Name:  "store",
			Usage: "path to the local cache database (defaults to in-memory)",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
		},
	},
	Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
		sk, err := parseSecretKey(c.String("sec"))
		if err != nil {
			return ctx, err
		}
		signer, err := dm.NewKeySigner(sk)
		if err != nil {
			return ctx, err
		}

		opts := dm.Options{
			Pool:      nostr.NewPool(),
			Signer:    signer,
			Relays:    c.StringSlice("relay"),
			Namespace: "dmcli",
		}
		if path := c.String("store"); path != "" {
			kv, err := kvstore_bbolt.NewStore(path)
			if err != nil {
				return ctx, fmt.Errorf("failed to open store at %s: %w", path, err)
			}
			opts.KVStore = kv
		}
		if c.Bool("verbose") {
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			opts.Logger = &log
		}

		engine, err = dm.NewEngine(opts)
		if err != nil {
			return ctx, err
		}
		if err := engine.Start(ctx); err != nil {
			return ctx, err
		}
		return ctx, nil
	},
	After: func(ctx context.Context, c *cli.Command) error {
		if engine != nil {
			engine.Close()
		}
		return nil
	},
	Commands: []*cli.Command{
		list,
		send,
		watch,
	},
}

var list = &cli.Command{
	Name:  "list",
	Usage: "print all conversations, most recent first",
	Action: func(ctx context.Context, c *cli.Command) error {
		waitForSync(ctx)

		for _, summary := range engine.Summaries() {
			label := "chat"
			if summary.IsRequest {
				label = "request"
			}
			preview := summary.LastMessage.Plaintext
			if summary.LastMessage.Error != "" {
				preview = "🔒 encrypted message"
			}
			fmt.Printf("%s  [%s]  %s  %s\n",
				nip19.EncodeNpub(summary.PubKey),
				label,
				time.Unix(int64(summary.LastActivity), 0).Format(time.DateTime),
				preview,
			)
		}
		return nil
	},
}

var send = &cli.Command{
	Name:      "send",
	Usage:     "send a message",
	UsageText: "dmcli send <npub|hex> <text>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "nip4",
			Usage: "use the legacy kind-4 protocol instead of gift wraps",
		},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		if c.Args().Len() < 2 {
			return fmt.Errorf("recipient and message text are required")
		}
		recipient, err := parsePubKey(c.Args().Get(0))
		if err != nil {
			return err
		}

		protocol := dm.ProtocolNIP17
		if c.Bool("nip4") {
			protocol = dm.ProtocolNIP04
		}

		if _, err := engine.SendMessage(ctx, recipient, c.Args().Get(1), protocol, nil); err != nil {
			return err
		}
		fmt.Println("sent")
		return nil
	},
}

var watch = &cli.Command{
	Name:  "watch",
	Usage: "print messages as they arrive",
	Action: func(ctx context.Context, c *cli.Command) error {
		printed := make(map[nostr.ID]struct{})

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			for peer, participant := range engine.Conversations() {
				for _, msg := range participant.Messages {
					if _, done := printed[msg.ID]; done {
						continue
					}
					printed[msg.ID] = struct{}{}

					body := msg.Plaintext
					if msg.Error != "" {
						body = "🔒 " + msg.Error
					}
					from := "them"
					if msg.PubKey == engine.PublicKey() {
						from = "you"
					}
					fmt.Printf("%s  %s  %s: %s\n",
						time.Unix(int64(msg.CreatedAt), 0).Format(time.DateTime),
						nip19.EncodeNpub(peer),
						from,
						body,
					)
				}
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

// waitForSync blocks until the background relay backfill settled (or 45s).
func waitForSync(ctx context.Context) {
	deadline := time.Now().Add(45 * time.Second)
	for engine.IsLoading() && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(200 * time.Millisecond)
	}
}

func parseSecretKey(s string) ([32]byte, error) {
	if prefix, value, err := nip19.Decode(s); err == nil && prefix == "nsec" {
		return [32]byte(value.(nostr.SecretKey)), nil
	}
	var sk [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return sk, fmt.Errorf("secret key must be an nsec or 64-char hex")
	}
	copy(sk[:], raw)
	return sk, nil
}

func parsePubKey(s string) (nostr.PubKey, error) {
	if prefix, value, err := nip19.Decode(s); err == nil && prefix == "npub" {
		return value.(nostr.PubKey), nil
	}
	return nostr.PubKeyFromHex(s)
}

func main() {
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}
