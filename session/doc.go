// Package session tracks conversation sessions and expires them lazily after
// a period of inactivity.
package session
