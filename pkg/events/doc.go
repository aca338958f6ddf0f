/*
Package events provides an in-memory event broker for fabric-wide
notifications: worker lifecycle, transport connections, secure-channel
handshakes, credential verification, and portal connections.

A subscriber sees every event by default, or only the types it names
via SubscribeTypes. Delivery is non-blocking either way: a slow or
absent subscriber never stalls a publisher, it just misses events once
its buffer fills.
*/
package events
