/*
Package process provides a client and server for running a process remotely and streaming its stdout and stderr back (server->client) as the relay drains them. It uses WebSockets for messaging so only requires an HTTP server.

Processes are scoped to the WebSocket connection--that is, if the connection dies for any reason, the relay is cancelled and the process is killed.

There are two messages in this protocol: "request" messages are sent client->server, and "response" messages are sent server->client. The schema for these messages is described in types.go.

The protocol proceeds as follows:

1. The client opens a WebSocket connection with the server
2. The client sends a request message containing the Command and Args fields, and optionally the Env and WD fields.
3. The server streams response messages containing stdout and stderr bytes while the relay drains the process's pipes.
4. Once the process has exited and both pipes are drained, the server sends a single response message with StdoutDone, StderrDone, Exited=true, the ExitCode, the byte totals and any per-stream relay errors.
5. The client initiates closing of the WebSocket connection.

The server buffers at most a bounded number of chunks per stream, so a slow client eventually slows the relay down, but the relay itself never stops draining the pipes while it can hand bytes off.

Stdin and signaling are not supported.
*/
package process
