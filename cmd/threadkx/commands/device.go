package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"threadkx/internal/domain"
	"threadkx/internal/services/identity"
)

func bootstrapCmd() *cobra.Command {
	var rebootstrap bool
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create or revalidate the local device",
		RunE: func(cmd *cobra.Command, args []string) error {
			bootstrap := wire.Identity.Bootstrap
			if rebootstrap {
				bootstrap = wire.Identity.Rebootstrap
			}
			// A new identity is sealed with the passphrase.
			if _, err := wire.Identity.Current(); err != nil || rebootstrap {
				if err := identity.CheckPassphrase(passphrase); err != nil {
					return err
				}
			}
			dev, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			fp, err := wire.Identity.Fingerprint()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device: %s\nFingerprint: %s\n", dev.ID, fp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&rebootstrap, "new", false, "discard the local device and register a new one")
	return cmd
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := wire.Identity.Fingerprint()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", fp)
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the devices of the local user",
		RunE: func(cmd *cobra.Command, args []string) error {
			self, _ := wire.Identity.Current()
			devices, err := wire.Relay.ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range devices {
				mark := " "
				if d.ID == self.ID {
					mark = "*"
				}
				status := "active"
				if d.RevokedAt != nil {
					status = "revoked " + humanize.Time(*d.RevokedAt)
				}
				fmt.Fprintf(out, "%s %s  %-12s %-8s prekeys=%d %s\n",
					mark, d.ID, d.Name, d.Platform, d.AvailablePrekeys, status)
			}
			return nil
		},
	}
}

func publishPrekeysCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "publish-prekeys",
		Short: "Publish one-time prekeys when the server runs low",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return wire.Prekeys.MaybeReplenish(cmd.Context())
			}
			n, err := wire.Prekeys.ForcePublish(cmd.Context(), "cli", true)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published %d prekeys\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "publish a batch regardless of the server count and cooldown")
	return cmd
}

func linkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <device>",
		Short: "Send every local thread key to another device of the local user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := wire.KeyShare.LinkDevice(cmd.Context(), domain.DeviceID(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent device link package %s\n", id)
			return nil
		},
	}
}
