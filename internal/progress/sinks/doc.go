// Package sinks holds progress.Sink implementations.
package sinks
