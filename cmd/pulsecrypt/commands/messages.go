package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/services/engine"
)

// encrypt <conversation> <text>: print the payload to send as JSON.
func encryptCmd() *cobra.Command {
	var formatted bool
	cmd := &cobra.Command{
		Use:   "encrypt <conversation> <text>",
		Short: "Encrypt a text message for a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := domain.NewTextMessage(args[1])
			msg.Formatted = formatted
			out, err := appCtx.Engine.SealOutgoing(ctxOf(cmd), domain.ConversationID(args[0]), msg)
			if err != nil {
				return err
			}
			if !out.Encrypted {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", out.Warning)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&formatted, "formatted", false, "mark the text as formatted")
	return cmd
}

// decrypt <conversation> <payload-json|->: accepts the output of encrypt or a
// bare payload.
func decryptCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "decrypt <conversation> <payload-json|->",
		Short: "Decrypt a payload received in a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := args[1]
			if raw == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				raw = string(b)
			}
			conv := domain.ConversationID(args[0])

			var out engine.Outgoing
			if err := json.Unmarshal([]byte(raw), &out); err != nil {
				return fmt.Errorf("parse payload: %w", err)
			}
			var env domain.MessageEnvelope
			switch {
			case out.Payload != nil:
				var err error
				if env, err = appCtx.Engine.DecryptIncoming(ctxOf(cmd), conv, *out.Payload); err != nil {
					return err
				}
			case out.Plaintext != nil:
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: message was not encrypted")
				env = *out.Plaintext
			default:
				var p domain.EncryptedPayload
				if err := json.Unmarshal([]byte(raw), &p); err != nil || len(p.Ciphertext) == 0 {
					return fmt.Errorf("parse payload: no ciphertext")
				}
				var derr error
				if env, derr = appCtx.Engine.DecryptIncoming(ctxOf(cmd), conv, p); derr != nil {
					return derr
				}
			}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(env)
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(env.Text, "\n"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the whole message envelope")
	return cmd
}

func rotateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key <conversation>",
		Short: "Move a conversation to a new key version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := appCtx.Engine.RotateConversationKey(ctxOf(cmd), domain.ConversationID(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s now at version %d (%s)\n", k.ConversationID, k.Version, k.KeyID)
			return nil
		},
	}
}

// group <id> <member>...: the local user is always a member.
func groupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "group <id> <member>...",
		Short: "Register a group conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			members := []domain.UserID{appCtx.User}
			for _, m := range args[1:] {
				members = append(members, domain.UserID(m))
			}
			conv := domain.Conversation{ID: domain.ConversationID(args[0]), Type: domain.ConversationGroup, Participants: members}
			if err := appCtx.RegisterGroup(ctxOf(cmd), conv); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "group %s registered\n", conv.ID)
			return nil
		},
	}
}
