/*
Package devserver runs disposable backend servers for integration tests.

A Manager reserves a port (starting at 9191), gives the server a fresh working
directory named after that port, spawns it through a shell and polls its
/version endpoint until it is ready. The returned Handle shuts the server down:
the working directory is removed, the pid and port are released and the
server's process group is killed.

	srv, err := devserver.Start(ctx, devserver.Config{Verbose: devserver.VerboseFromEnv()})
	if err != nil {
		return err
	}
	defer srv.Shutdown(ctx)

	client := httpclient.New(httpclient.Config{Name: "api", BaseURL: srv.Hostname()})

Every live server of a Manager is also shut down when the test process gets
SIGINT or SIGTERM, after which the signal is re-raised so the process exits.
*/
package devserver
