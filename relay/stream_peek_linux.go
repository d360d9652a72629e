package relay

import "golang.org/x/sys/unix"

// fionread is FIONREAD, which Linux names TIOCINQ.
const fionread = unix.TIOCINQ
