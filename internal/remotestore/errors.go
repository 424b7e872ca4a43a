package remotestore

import "errors"

// ErrMiss is returned by Backend.Lookup/GetFile when the requested key
// is simply absent; the caller treats it as a normal miss.
var ErrMiss = errors.New("remotestore: miss")
