// Package command records feed intents for the physical device and hosts the
// Dispatcher, the single entry point for every user action that writes.
//
// A feed command is created pending and returns as soon as the store accepts
// it. The client never waits on the device: completion is inferred later from
// the feeding history, see package history.
package command
