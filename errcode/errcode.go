package errcode

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK Code = "ok"

	// Router configuration.
	RegistryFull  Code = "registry_full"
	RouterSealed  Code = "router_sealed"
	UnknownSignal Code = "unknown_signal"
	SignalExists  Code = "signal_exists"

	// Packing path.
	NoEncoder      Code = "no_encoder"
	InvalidEncoder Code = "invalid_encoder"
	EncoderFailed  Code = "encoder_failed"
	NoDecoder      Code = "no_decoder"
	InvalidDecoder Code = "invalid_decoder"
	DecoderFailed  Code = "decoder_failed"

	// Serializer.
	InvalidData Code = "invalid_data"

	// Boundary misuse.
	Argument     Code = "argument"
	Index        Code = "index"
	TypeMismatch Code = "type_mismatch"

	// Runtime.
	Unhandled Code = "unhandled_signal"
	Rejected  Code = "rejected"
	Timeout   Code = "timeout"

	Error Code = "error" // generic fallback
)

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is match an *E against a bare Code.
func (e *E) Is(target error) bool {
	if c, ok := target.(Code); ok {
		return e.C == c
	}
	return false
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		if inner := u.Unwrap(); inner != nil {
			if c := Of(inner); c != Error {
				return c
			}
		}
	}
	return Error
}

// New builds an *E with a code and a free-form message.
func New(c Code, op, msg string) *E {
	return &E{C: c, Op: op, Msg: msg}
}

// Wrap attaches a code and op to a cause.
func Wrap(c Code, op string, err error) *E {
	return &E{C: c, Op: op, Err: err}
}
