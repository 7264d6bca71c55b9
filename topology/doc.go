// Package topology validates session topologies and answers routing questions
// against them: which node an exchange starts at, where a node may hand off
// to, and which node an agent reference names.
package topology
