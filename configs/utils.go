package configs

import (
	"fmt"
	"os"
	"time"
)

func DPrintf(format string, a ...interface{}) {
	if ShowDebugInfo {
		fmt.Printf(time.Now().Format("15:04:05.00")+" <---> "+format+"\n", a...)
	}
}

func Assert(cond bool, msg string) bool {
	if !cond {
		panic("[ERROR] Assert error at " + msg + "\n")
	}
	return cond
}

func Warn(cond bool, msg string) bool {
	if ShowWarnings && !cond {
		fmt.Printf("[WARNNING] :" + msg + "\n")
	}
	return cond
}

func CheckError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %s", err.Error())
		os.Exit(1)
	}
}

// IsPowerOf2 reports whether v is a non-zero power of two.
func IsPowerOf2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// Shift returns log2(v) for a power-of-two v.
func Shift(v uint64) uint {
	s := uint(0)
	for v > 1 {
		v >>= 1
		s++
	}
	return s
}
