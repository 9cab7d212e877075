// Package eventloop provides the single-goroutine cooperative scheduler the
// loading pipeline runs on. Collaborators that complete work on other
// goroutines hand their callbacks back through Submit, and delays are
// expressed with AfterFunc, so every pipeline callback runs in a well
// defined order without locks.
package eventloop
