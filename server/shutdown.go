/******************************************************************************
 *
 *  Description :
 *
 *  Graceful shutdown of the server
 *
 *****************************************************************************/

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/tinode/livesync/server/logs"
)

func signalHandler() <-chan bool {
	stop := make(chan bool)

	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		// Wait for a signal. Don't care which signal it is
		sig := <-signchan
		logs.Info.Printf("Signal received: '%s', shutting down", sig)
		stop <- true
	}()

	return stop
}

// shutdownServer terminates sessions then stops the hub. Called after the HTTP server
// stopped accepting connections.
func shutdownServer() {
	// Terminate all sessions
	globals.sessionStore.Shutdown()

	// Stop receiving from other nodes.
	globals.hub.shutdown()
}
