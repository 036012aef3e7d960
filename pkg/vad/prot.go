package vad

// The 5-bit protection index stored in the VAD flags word: bits 0..2 pick
// the base protection, bit 3 adds guard, bit 4 no-cache.
const (
	protBaseMask = 0x7
	protGuard    = 0x8
	protNoCache  = 0x10
)

var protNames = [8]string{
	"noaccess",
	"readonly",
	"readwrite",
	"writecopy",
	"execute",
	"execute-read",
	"execute-readwrite",
	"execute-writecopy",
}

// ProtExecutable reports whether the protection index grants execute.
func ProtExecutable(p uint64) bool { return p&4 != 0 }

// ProtGuard reports the guard attribute (stack-like protection).
func ProtGuard(p uint64) bool { return p&protGuard != 0 }

// ProtString renders a protection index for logs and map records.
func ProtString(p uint64) string {
	s := protNames[p&protBaseMask]
	if p&protGuard != 0 {
		s += "+guard"
	}
	if p&protNoCache != 0 {
		s += "+nocache"
	}
	return s
}
