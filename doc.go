// Package bkennet is a client-side networking library for a multiplayer
// game lobby and session service: authenticate, discover and join a game,
// then exchange reliable-ordered and unreliable application messages with
// other participants over either a native QUIC connection or a browser
// WebTransport session.
//
// A host application constructs a Session with New, drives it once per
// frame with Update, and drains resulting events with NextEvent.
package bkennet
