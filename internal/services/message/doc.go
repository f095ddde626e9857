// Package message sends and reads secret thread messages.
//
// Messages are sealed with the thread key (XSalsa20-Poly1305) and pushed to
// every device of both participants through the collaborator server.
package message
