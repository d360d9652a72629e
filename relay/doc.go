/*
Package relay drains a child process's stdout and stderr pipes while the child is running, forwarding every byte to a sink as soon as it is read, so that the child never blocks on a full pipe buffer.

A Relay owns one Stream per pipe and a Watcher for the child's exit status. Each iteration of Run probes both streams without blocking, forwards whatever is readable, and then asks the Watcher whether the child has exited.

Exit is only a hint. A child can write up to the instant it exits, and those bytes may still be sitting in the kernel buffer when the exit is observed, so an exited child moves its streams from Active to Draining, never to Closed. Run returns only once every stream has independently reported end-of-file (or failed).

There are two ways to ask "what can I read right now":

 1. Peek: query how many bytes are buffered without consuming them (FIONREAD on unix, PeekNamedPipe on Windows), then read exactly that much.
 2. Non-blocking read: put the descriptor in O_NONBLOCK mode and just read. EAGAIN means nothing yet, and the bytes read are forwarded directly.

Both hide behind Stream. Which one NewStream builds is fixed per platform by build tags, and can be overridden with WithProbeKind.

Spawning the child is not this package's job; see the spawn package.
*/
package relay
