// Package commands defines the threadkx CLI.
//
// Commands
//
//   - bootstrap        Create or revalidate the local device
//   - fingerprint      Print the identity fingerprint
//   - devices          List the devices of the local user
//   - publish-prekeys  Top up (or with --force, publish) one-time prekeys
//   - open             Make a thread ready, as creator or peer
//   - retry            Refresh prekeys and open a thread again
//   - status           Print the readiness of a thread
//   - share            Send the key of a thread to every target device
//   - link             Send all thread keys to another own device
//   - wipe-key         Delete the local key of a thread
//   - send             Encrypt and send a thread message
//   - history          Fetch and decrypt past thread messages
//   - run              Pump the inbox until interrupted
//
// The root command loads <home>/threadkx.conf, applies the flags on top and
// builds the dependency graph before any subcommand runs.
package commands
