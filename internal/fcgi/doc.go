// Package fcgi owns the FastCGI 1.0 wire contract used by the relay.
//
// Ownership boundary:
// - record header/content/padding framing
//
// - name/value parameter list encoding
//
// - request body helpers (BEGIN_REQUEST, END_REQUEST)
//
// Decoded records always carry the exact bytes consumed from the stream in Raw.
// The relay forwards Raw untouched; decoded fields are only used for routing.
package fcgi
