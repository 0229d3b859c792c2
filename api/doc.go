// Package api serves transactions over HTTP.
//
// The caller identity is taken from headers set by the authenticating proxy
// in front of the core:
//
//	X-Auth-User    user name, required
//	X-Auth-Groups  comma separated group names
//
// Routes:
//
//	GET    /transactions                      list, restricted to viewable channels
//	GET    /transactions/{id}                 one transaction
//	GET    /transactions/clients/{clientId}   transactions of one client
//	POST   /transactions                      create, bodies moved to the chunk store
//	DELETE /transactions/{id}                 delete, bodies reclaimed in the background
//	GET    /me/channels                       viewable and rerunnable channels
//
// List routes accept filterRepresentation (metadata, full, fulltruncate),
// filterPage, filterLimit and channelID. Failures are written as
// {"error": "..."} with the status mapped from the error class.
package api
