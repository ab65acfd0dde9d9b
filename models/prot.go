package models

// Canonical permission bits. Per-format decoders in the loader package
// map each format's own flag encoding (PE IMAGE_SCN_MEM_*, ELF SHF_*)
// onto these; raw format bitmasks never cross the package boundary.
const (
	PROT_NONE  = 0
	PROT_READ  = 1
	PROT_WRITE = 2
	PROT_EXEC  = 4
	PROT_ALL   = 7
)

// ProtString renders prot in ls -l style, e.g. "r-x".
func ProtString(prot int) string {
	p := []byte("---")
	if prot&PROT_READ != 0 {
		p[0] = 'r'
	}
	if prot&PROT_WRITE != 0 {
		p[1] = 'w'
	}
	if prot&PROT_EXEC != 0 {
		p[2] = 'x'
	}
	return string(p)
}
