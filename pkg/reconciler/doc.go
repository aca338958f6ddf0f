/*
Package reconciler runs a background sweep over the secure channel
registry, evicting entries whose channel has failed or closed so a
long-lived node doesn't accumulate references to dead channels.

It follows the same stateless, ticker-driven shape as the rest of the
fabric's background loops: each cycle reads current state, decides,
and forgets — a missed cycle costs nothing and the next one catches up.

	rec := reconciler.New(registry)
	rec.Start()
	defer rec.Stop()

Handshake timeouts and UDP fragment reassembly TTLs are each already
enforced where that state lives (the channel itself, and the UDP
listener's own sweep loop, respectively); this package only owns the
registry-level cleanup those mechanisms don't cover on their own.
*/
package reconciler
