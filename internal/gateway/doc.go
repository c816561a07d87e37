// Package gateway serves the chat hub over HTTP.
//
// # Overview
//
// The gateway owns the HTTP server and the objects behind it: the store, the
// broadcaster, the membership mutator, the optional agent orchestrator and the
// hub. New builds all of them from configuration; NewWithDeps accepts
// prebuilt collaborators for tests.
//
// # Websocket
//
// GET /ws upgrades to a websocket after authenticating the bearer token
// (Authorization header or access_token query parameter). Every frame is
//
//	{"type": "...", "request_id": "...", "payload": {...}}
//
// Client frames: conversation:join, conversation:leave, message:send,
// typing:update, read:mark, message:recall and message:delete. Each is
// answered with an ack frame carrying the result, or an error frame whose
// payload is {"code", "message"}. Pushed events use the event type as the
// frame type and carry no request_id.
//
// A session that cannot keep up with its events is closed with a policy
// violation; the client reconnects and reloads history.
//
// # HTTP API
//
//	GET  /api/me
//	GET  /api/conversations               last message and unread count per conversation
//	GET  /api/conversations/{id}
//	POST /api/conversations/direct        {"user_id"} or {"handle"}
//	POST /api/conversations/group         {"title", "member_ids"}
//	POST /api/conversations/{id}/members  {"member_ids"}, owners only
//	GET  /api/conversations/{id}/messages ?before=RFC3339&limit=50
//	GET  /api/users                       ?limit=50
//	GET  /api/users/search                ?q=text
//	GET  /api/presence/online             ?user_id=a&user_id=b
//
// # Health
//
//	GET /health        liveness
//	GET /health/ready  fails once shutdown begins
//
// # Listeners
//
// The server listens on server.http_addr, or joins a tailnet with tsnet when
// tailscale.enabled is set, optionally serving HTTPS or Funnel.
package gateway
