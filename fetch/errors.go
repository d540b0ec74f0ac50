package fetch

import "fmt"

// protocolErrorf reports a malformed response from the peer: the request
// layer answered with the wrong response variant, which the session
// protocol should already prevent (ErrResponseTypeIncorrect), so seeing
// one here means the session layer has a bug.
func protocolErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("fetch: "+format, args...)
}
