/*
Package system manages the running and shutdown of a long-running binary.

Services (such as HTTP servers) are run together until one of them fails or a
termination signal arrives, and cleanups run afterwards.
*/
package system
