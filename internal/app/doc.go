// Package app wires application dependencies for the CLI.
//
// It builds the concrete stores, the collaborator client and the services
// from Config, exposing them via the Wire struct for commands to use.
// Wire.Run is the long-running mode: inbox pump, realtime notifier and
// metrics listener under one errgroup.
package app
