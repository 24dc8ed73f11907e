/*
Package compiler builds binaries for acceptance tests into a temporary folder
that is removed by Cleanup.

The devserver tests use it to build a fake backend server which is then
launched exactly as the real one would be.
*/
package compiler
