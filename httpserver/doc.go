/*
Package httpserver runs an HTTP server that shuts down cleanly when its context is cancelled.

The fake backend used by the devserver acceptance tests is served with it.
*/
package httpserver
