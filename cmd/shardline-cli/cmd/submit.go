package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/buildwithgrove/shardline/processing"
	"github.com/buildwithgrove/shardline/protocol"
)

var submitOpts struct {
	id          string
	destination string
	body        string
	bodyFile    string
	expiration  uint32
	expiresIn   time.Duration
	jsonOutput  bool
}

// submitCmd sends an already signed message and waits for its outcome.
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Send a signed message and wait until it is confirmed or expired",
	Long: `Sends a pre-encoded external message to the network, then follows the
blocks of the destination's shard until a transaction consumes the message
or a block is produced past its expiration.

The exit code is non-zero unless the message is confirmed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ledgerClient, _, err := loadClient()
		if err != nil {
			return err
		}
		defer ledgerClient.Close()

		msg, err := buildMessage()
		if err != nil {
			return err
		}

		if msg.Expiration == 0 {
			// The expiration is checked against block times: use the network clock when known.
			now := uint32(time.Now().Unix())
			if _, err := ledgerClient.Network.Resolve(cmd.Context()); err == nil && ledgerClient.Network.NetworkTime() > 0 {
				now = ledgerClient.Network.NetworkTime()
			}
			msg.Expiration = now + uint32(submitOpts.expiresIn.Seconds())
		}

		color.Cyan("📨 Sending message %s to %s (expires at %d)", msg.ID, msg.Destination, msg.Expiration)

		outcome, err := ledgerClient.Pipeline.SubmitAndConfirm(cmd.Context(), msg, processing.WithEventHandler(printEvent))
		if err != nil {
			return err
		}

		if submitOpts.jsonOutput {
			if err := json.NewEncoder(os.Stdout).Encode(outcome); err != nil {
				return err
			}
		}

		switch outcome.Kind {
		case processing.OutcomeConfirmed:
			color.Green("✅ %s", outcome)
			return nil
		case processing.OutcomeExpired:
			color.Yellow("⌛ %s", outcome)
		default:
			color.Red("❌ %s", outcome)
		}
		return fmt.Errorf("message %s not confirmed: %s", outcome.MessageID, outcome.Kind)
	},
}

func init() {
	flags := submitCmd.Flags()
	flags.StringVar(&submitOpts.id, "id", "", "message id (hash), as returned by the encoder")
	flags.StringVar(&submitOpts.destination, "destination", "", "destination account, as <workchain>:<hex>")
	flags.StringVar(&submitOpts.body, "body", "", "base64 encoded message")
	flags.StringVar(&submitOpts.bodyFile, "body-file", "", "file holding the base64 encoded message")
	flags.Uint32Var(&submitOpts.expiration, "expiration", 0, "expiration as a unix time, in seconds")
	flags.DurationVar(&submitOpts.expiresIn, "expires-in", 40*time.Second, "validity window when --expiration is not set")
	flags.BoolVar(&submitOpts.jsonOutput, "json", false, "print the outcome as JSON on stdout")

	_ = submitCmd.MarkFlagRequired("id")
	_ = submitCmd.MarkFlagRequired("destination")
	submitCmd.MarkFlagsMutuallyExclusive("body", "body-file")
	submitCmd.MarkFlagsMutuallyExclusive("expiration", "expires-in")
}

func buildMessage() (processing.EncodedMessage, error) {
	destination, err := protocol.ParseAccount(submitOpts.destination)
	if err != nil {
		return processing.EncodedMessage{}, err
	}

	body := submitOpts.body
	if submitOpts.bodyFile != "" {
		data, err := os.ReadFile(submitOpts.bodyFile)
		if err != nil {
			return processing.EncodedMessage{}, err
		}
		body = strings.TrimSpace(string(data))
	}
	if body == "" {
		return processing.EncodedMessage{}, fmt.Errorf("one of --body or --body-file is required")
	}

	return processing.EncodedMessage{
		ID:          protocol.MessageID(submitOpts.id),
		Destination: destination,
		Body:        body,
		Expiration:  submitOpts.expiration,
	}, nil
}

func printEvent(event processing.Event) {
	switch event.Kind {
	case processing.EventBlockObserved:
		fmt.Fprintf(os.Stderr, "   block %s\n", event.Block)
	case processing.EventSendFailed:
		color.New(color.FgYellow).Fprintf(os.Stderr, "   send failed: %v\n", event.Err)
	default:
		fmt.Fprintf(os.Stderr, "   %s\n", event.Kind)
	}
}
