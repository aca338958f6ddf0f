/*
Package metrics registers the fabric's Prometheus metrics (node
dispatch, transport throughput, secure-channel handshakes, portal
byte counts) at package init and exposes them via Handler for
scraping, plus a small component health checker used by the node's
control surface.
*/
package metrics
