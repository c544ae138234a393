// Package app wires the host together: configuration, board, storage,
// loader, updater and the update controller. It owns the application
// lifecycle, decoupled from any specific entrypoint like a CLI.
package app
