package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"pulsecrypt/internal/config"
	"pulsecrypt/internal/crypto"
	"pulsecrypt/internal/domain"
)

func initCmd() *cobra.Command {
	var writeConfig bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the local identity and publish it",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := appCtx.Engine.EnsureIdentity(ctxOf(cmd))
			if err != nil {
				return err
			}
			if writeConfig {
				path := configPath
				if path == "" {
					path = appCtx.Config.Identity.Home + "/config.toml"
				}
				if err := config.Save(appCtx.Config, path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Config:      %s\n", path)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Key ID:      %s\n", kp.KeyID)
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", crypto.Fingerprint(kp.PublicKey.Slice()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&writeConfig, "write-config", false, "save the effective configuration")
	return cmd
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := appCtx.Identity.Fingerprint(ctxOf(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", fp)
			return nil
		},
	}
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Publish the identity public key to the directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := appCtx.Identity.PublishPublicKey(ctxOf(cmd)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "published")
			return nil
		},
	}
}

func rotateIdentityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-identity",
		Short: "Replace the identity key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := appCtx.Identity.Rotate(ctxOf(cmd))
			if err != nil {
				return err
			}
			appCtx.Identity.Wait()
			fmt.Fprintf(cmd.OutOrStdout(), "Key ID:      %s\n", kp.KeyID)
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", crypto.Fingerprint(kp.PublicKey.Slice()))
			return nil
		},
	}
}

func channelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channel <user>",
		Short: "Report whether a secure channel with user can be established",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := domain.UserID(args[0])
			if appCtx.Engine.CanEstablishSecureChannel(ctxOf(cmd), peer) {
				fmt.Fprintf(cmd.OutOrStdout(), "secure channel with %s: available (%s)\n",
					peer, domain.DirectConversationID(appCtx.User, peer))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "secure channel with %s: unavailable\n", peer)
			return nil
		},
	}
}
