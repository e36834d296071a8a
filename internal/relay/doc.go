// Package relay accepts FastCGI connections from a front-end web server and
// forwards each one to the worker process that owns its session.
//
// A connection is buffered until its parameters are complete, the session id
// is read from QUERY_STRING or from the cookie named after SCRIPT_NAME, the
// supervisor resolves a worker socket and the buffered records are replayed
// byte for byte before both directions are pumped until END_REQUEST.
package relay
