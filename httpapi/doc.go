// Package httpapi exposes a chatkeeper Registry over HTTP.
//
// It is both the ingress for chat transports that deliver user messages by
// webhook and a JSON diagnostics surface for operators.
//
// # Endpoints
//
// Chats:
//   - GET /chats - List chat IDs known to the registry or its backend (paginated)
//   - GET /chats/{id} - Chat statistics and conversation
//   - POST /chats/{id}/messages - Submit a user message and wait for the reply
//
// Diagnostics:
//   - GET /stats - Statistics for every loaded chat
//   - GET /healthz - Liveness probe
//
// # Response Format
//
// All responses use a consistent envelope:
//
//	{
//	    "data": { ... },
//	    "error": { "code": "...", "message": "..." },
//	    "meta": { "total_count": 100, "has_more": true }
//	}
//
// A reply to POST /chats/{id}/messages carries the assistant text both as
// written and rendered to the chat HTML subset:
//
//	{"data": {"reply": "**hi**", "html": "<b>hi</b>"}}
package httpapi
