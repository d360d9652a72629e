//go:build !unix && !windows

package relay

import "os"

const defaultProbeKind = ProbeKindNonblock

func newNonblockStream(*os.File) (Stream, error) { return nil, ErrUnsupported }

func newPeekStream(*os.File) (Stream, error) { return nil, ErrUnsupported }
