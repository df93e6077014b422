package framing

import (
	"fmt"
	"time"

	"github.com/milterpool/multiplexor/internal/reactor"
)

// MaxNetstringPayload bounds the decimal length prefix accepted by
// ReadNetstring (spec §4.1.3: "reject if negative, missing, or >
// 65536").
const MaxNetstringPayload = 65536

// NetstringFunc is invoked once with the decoded payload (the trailing
// ',' and leading "N:" are stripped) or an error flag.
type NetstringFunc func(payload []byte, flag CompletionFlag)

// ReadNetstring reads one "<len>:<payload>," frame: first up to 16 bytes
// are scanned for ':', the decimal prefix is parsed, then exactly
// prefix+1 bytes are read and the trailing byte is required to be ','.
func ReadNetstring(loop *reactor.Loop, fd int, timeout time.Duration, cb NetstringFunc) (*Op, error) {
	return ReadBuf(loop, fd, 16, ':', timeout, false, func(buf []byte, n int, flag CompletionFlag) {
		if flag != Complete {
			cb(nil, flag)
			return
		}
		prefix := buf[:n-1] // drop the ':'
		length, ok := parseNetstringLength(prefix)
		if !ok {
			cb(nil, IOError)
			return
		}
		readNetstringBody(loop, fd, length, timeout, cb)
	})
}

func parseNetstringLength(prefix []byte) (int, bool) {
	if len(prefix) == 0 {
		return 0, false
	}
	n := 0
	for _, b := range prefix {
		if b < '0' || b > '9' {
			return 0, false
		}
		n = n*10 + int(b-'0')
		if n > MaxNetstringPayload {
			return 0, false
		}
	}
	return n, true
}

func readNetstringBody(loop *reactor.Loop, fd int, length int, timeout time.Duration, cb NetstringFunc) {
	_, err := ReadBuf(loop, fd, length+1, -1, timeout, true, func(buf []byte, n int, flag CompletionFlag) {
		if flag != Complete {
			cb(nil, flag)
			return
		}
		if n != length+1 || buf[length] != ',' {
			cb(nil, IOError)
			return
		}
		cb(buf[:length], Complete)
	})
	if err != nil {
		cb(nil, IOError)
	}
}

// WriteNetstring emits "<len>:<buf>,".
func WriteNetstring(loop *reactor.Loop, fd int, buf []byte, timeout time.Duration, cb WriteBufFunc) (*Op, error) {
	framed := []byte(fmt.Sprintf("%d:", len(buf)))
	framed = append(framed, buf...)
	framed = append(framed, ',')
	return WriteBuf(loop, fd, framed, timeout, cb)
}
