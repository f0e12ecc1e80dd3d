// Package auth authenticates operators of a node's control API.
//
// Counterparty nodes authenticate with identity.TokenManager instead; this
// package only covers the local CLI talking to its own node.
package auth
