// Package api exposes the daemon's HTTP control surface on the loopback
// interface. Connectors post inbound platform messages here, and the CLI
// drives mind lifecycle, connectors, variants, and sleep through it.
//
// Every route under /api requires the daemon's bearer token. /healthz and
// /metrics are unauthenticated so local probes and scrapers work without
// credentials.
//
//	POST   /api/minds                          create a mind
//	GET    /api/minds                          list minds with live status
//	GET    /api/minds/{name}                   one mind's status
//	DELETE /api/minds/{name}                   stop and remove a mind
//	POST   /api/minds/{name}/message           inbound message (routed, batched)
//	POST   /api/minds/{name}/typing            typing indicator passthrough
//	POST   /api/minds/{name}/start|stop|restart
//	POST   /api/minds/{name}/connectors/{type} configure and launch a connector
//	DELETE /api/minds/{name}/connectors/{type}
//	GET    /api/minds/{name}/variants          plus POST and per-variant DELETE
//	GET    /api/minds/{name}/sleep             sleep state; POST forces sleep
//	POST   /api/minds/{name}/wake              force a wake
//	GET    /api/system/logs                    daemon log as server-sent events
//
// Handlers depend on narrow interfaces over the mind, delivery, connector,
// and sleep managers so the surface can be tested without subprocesses.
package api
