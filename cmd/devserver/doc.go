// Command devserver runs the in-memory collaborator server used by threadkx
// during development and tests. It registers devices, hands out one-time
// prekeys, queues envelopes per device until they are acknowledged, keeps
// thread history and pushes inbox notifications over a websocket.
//
// HTTP API
//
//	POST /devices/register                register or refresh a device
//	GET  /devices                         devices of the caller
//	POST /devices/{id}/prekeys            publish one-time prekeys
//	POST /e2ee/prekeys/claim              claim one prekey of a device (404 when none are left)
//	GET  /e2ee/prekeys/bundles?userId=    active devices of a user
//	POST /secret/send                     queue envelopes for devices
//	GET  /secret/inbox/pull?limit=        read the caller's inbox without consuming it
//	POST /secret/inbox/ack                drop inbox items
//	POST /secret/messages/push            store a thread message and fan it out
//	GET  /secret/history?threadId=        page through thread messages
//	GET  /secret/notify                   websocket of inbox notifications
//
// Callers authenticate with "Authorization: Bearer <userId>" and name their
// device in X-Device-Id. All state is lost on exit. The server only ever sees
// ciphertext and public keys.
package main
