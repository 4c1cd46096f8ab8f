package provider

// Stream yields incremental text fragments from a backend completion.
//
// The usage pattern mirrors bufio.Scanner: call Next until it returns false,
// read the current fragment with Fragment, then check Err to distinguish
// normal exhaustion from failure. Close releases the underlying connection
// and is safe to call more than once.
type Stream interface {
	Next() bool
	Fragment() string
	Err() error
	Close() error
}
