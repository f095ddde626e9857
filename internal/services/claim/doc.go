// Package claim wraps the server's prekey claim call, which the server
// throttles, so that key package construction survives throttling without
// losing requests.
package claim
