package enforce

import (
	"fmt"
	"log"
	"math"
)

func init() {
	checkCompiler()
}

// Extra structural verification (twin existence, iterator pointers, LIFO
// uncontraction order). Costly; enabled by tests and debug builds.
var DebugChecks = false

// ENFORCE halts the program when a precondition does not hold. Usage
// violations (out-of-range ids, out-of-order uncontraction) are bugs, not
// recoverable conditions.
func ENFORCE(query interface{}, args ...interface{}) {
	switch t := query.(type) {
	case bool:
		if !t {
			log.Println("ENFORCE:", args)
			panic(0)
		}
	case error:
		if t != nil {
			log.Println("ENFORCE:", args)
			panic(t)
		}
	case string:
		log.Println("ENFORCE:", query.(string), args)
		panic(t)
	case nil:
		// Allow nil so ENFORCE(err) passes when there is no error.
	default:
		log.Println("ENFORCE: incorrect usage of enforce with type: ", fmt.Sprintf("%T", t), "-", t, "-", args)
		panic(t)
	}
}

// DEBUG is ENFORCE gated behind DebugChecks.
func DEBUG(query interface{}, args ...interface{}) {
	if DebugChecks {
		ENFORCE(query, args...)
	}
}

// checkCompiler enforces a 64bit machine due to assumptions about sizeof(int).
func checkCompiler() {
	myint := int(math.MaxInt64) // Shouldn't compile on a 32 bit system.
	myint64 := int64(math.MaxInt64)
	ENFORCE(uint64(myint) == uint64(myint64), "Must be on 64 bit system.")
}
