// Package server implements the live side of the chat service: the
// connection registry, the broadcast bus (Hub), per-connection chat sessions
// and the HTTP surface that exposes them.
//
// Sessions register with the Hub on connect and receive every event
// published to their group. Text frames are persisted before they are
// published; image frames and uploads only relay already-stored messages.
package server
