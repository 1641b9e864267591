// Package app is the feeder client: it follows the signed-in principal and
// keeps the device cache, the feed completion tracker and the notification
// queue bound to that account.
//
// The UI reads a single View and calls the Client's action methods. Every
// action error is one of the apperr kinds; the text to show is
// apperr.Message(err).
package app
