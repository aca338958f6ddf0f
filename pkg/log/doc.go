/*
Package log provides structured logging built on zerolog: a global
logger configured once via Init, and WithComponent child loggers that
tag every line with which subsystem emitted it (node, a transport, the
secure channel manager, a portal worker).

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("secure")
	logger.Info().Str("peer", peerID.String()).Msg("handshake complete")
*/
package log
